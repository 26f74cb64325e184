package parsers

import "github.com/JonMunkholm/allocsync/internal/core"

func init() {
	registerOgunAllocations()
}

// Ogun State portal: Period | Amount | LGA.
func registerOgunAllocations() {
	core.Register(core.ParserDefinition{
		Info: core.ParserInfo{
			Key:   "ogun_allocations_v1",
			Kind:  core.KindStatePortal,
			Label: "Ogun State portal allocations",
		},
		TableSelectors: []string{"table.allocations"},
		Columns: core.ColumnMap{
			Period: 0,
			Amount: 1,
			Region: 2,
		},
	})
}
