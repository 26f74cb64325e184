package core

// interpret.go maps raw table rows to typed allocation candidates.
//
// Source pages are uncontrolled HTML with unstable formatting, so a row that
// cannot be interpreted is skipped rather than failing the batch. Every skip
// carries a reason so the coordinator can report it.

import (
	"fmt"
	"slices"
)

// RowResult is the outcome of interpreting one raw row: either a candidate
// or a skip with its reason.
type RowResult struct {
	Candidate Candidate
	Skip      SkipReason // Empty when the row produced a candidate
	Detail    string
}

// OK reports whether the row produced a candidate.
func (r RowResult) OK() bool {
	return r.Skip == ""
}

// Interpret maps one raw row to an allocation candidate using the column
// layout of def.
func Interpret(row []string, def ParserDefinition) RowResult {
	minCols := def.MinColumns
	if minCols == 0 {
		minCols = max(def.Columns.Period, def.Columns.Amount, def.Columns.Region) + 1
	}
	if len(row) < minCols {
		return RowResult{
			Skip:   SkipTooFewColumns,
			Detail: fmt.Sprintf("expected %d columns, got %d", minCols, len(row)),
		}
	}

	name := NormalizeName(row[def.Columns.Region])
	if name == "" {
		return RowResult{Skip: SkipEmptyRegion, Detail: "region name is empty"}
	}

	period, err := ParsePeriod(row[def.Columns.Period])
	if err != nil {
		return RowResult{Skip: SkipInvalidPeriod, Detail: err.Error()}
	}

	amount, err := ParseAmount(row[def.Columns.Amount])
	if err != nil {
		return RowResult{Skip: SkipInvalidAmount, Detail: err.Error()}
	}

	return RowResult{
		Candidate: Candidate{
			RegionName: name,
			Period:     period,
			Amount:     amount,
			Raw:        slices.Clone(row),
		},
	}
}

// InterpretAll interprets rows in document order.
func InterpretAll(rows [][]string, def ParserDefinition) []RowResult {
	results := make([]RowResult, len(rows))
	for i, row := range rows {
		results[i] = Interpret(row, def)
	}
	return results
}

// CountCandidates returns how many results produced a candidate.
func CountCandidates(results []RowResult) int {
	n := 0
	for _, r := range results {
		if r.OK() {
			n++
		}
	}
	return n
}
