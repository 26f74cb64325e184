package core

import (
	"fmt"
	"sort"
	"sync"
)

// ColumnMap gives the position of each allocation field in a raw row.
type ColumnMap struct {
	Period int
	Amount int
	Region int
}

// ParserInfo contains display information about a parser variant.
type ParserInfo struct {
	Key   string // Unique identifier: "ogun_allocations_v1"
	Kind  string // Source kind it applies to: "state_portal"
	Label string // Display name: "Ogun State portal allocations"
}

// ParserDefinition contains everything needed to turn a fetched page into
// allocation candidates.
type ParserDefinition struct {
	Info ParserInfo

	// TableSelectors are tried in order; the first matching table wins.
	// When none match, the first table in the document is used.
	TableSelectors []string

	Columns ColumnMap

	// MinColumns is the minimum cell count for a row to be interpreted.
	// Derived from Columns when zero.
	MinColumns int
}

var (
	registry   = make(map[string]ParserDefinition)
	registryMu sync.RWMutex
)

// Register adds a parser definition to the registry.
// Panics if a parser with the same key is already registered.
func Register(def ParserDefinition) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[def.Info.Key]; exists {
		panic(fmt.Sprintf("parser already registered: %s", def.Info.Key))
	}

	if def.MinColumns == 0 {
		def.MinColumns = max(def.Columns.Period, def.Columns.Amount, def.Columns.Region) + 1
	}

	registry[def.Info.Key] = def
}

// Get returns a parser definition by key.
// Returns false if not found.
func Get(key string) (ParserDefinition, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	def, ok := registry[key]
	return def, ok
}

// All returns all registered parser definitions sorted by key.
func All() []ParserDefinition {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]ParserDefinition, 0, len(registry))
	for _, def := range registry {
		result = append(result, def)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Info.Key < result[j].Info.Key
	})

	return result
}

// Keys returns the registered parser keys, sorted.
func Keys() []string {
	defs := All()
	keys := make([]string, len(defs))
	for i, def := range defs {
		keys[i] = def.Info.Key
	}
	return keys
}

// ParserCount returns the number of registered parsers.
func ParserCount() int {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return len(registry)
}

