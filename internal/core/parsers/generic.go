package parsers

import "github.com/JonMunkholm/allocsync/internal/core"

func init() {
	registerGenericPeriodAmountRegion()
	registerGenericRegionPeriodAmount()
}

// First table in the page, laid out like the Ogun portal.
func registerGenericPeriodAmountRegion() {
	core.Register(core.ParserDefinition{
		Info: core.ParserInfo{
			Key:   "generic_period_amount_region",
			Kind:  core.KindStatePortal,
			Label: "Generic table (period, amount, region)",
		},
		Columns: core.ColumnMap{Period: 0, Amount: 1, Region: 2},
	})
}

// Ministry of finance style: LGA | Month | Net allocation.
func registerGenericRegionPeriodAmount() {
	core.Register(core.ParserDefinition{
		Info: core.ParserInfo{
			Key:   "generic_region_period_amount",
			Kind:  core.KindStatePortal,
			Label: "Generic table (region, period, amount)",
		},
		TableSelectors: []string{"table.faac", "table#allocations"},
		Columns:        core.ColumnMap{Region: 0, Period: 1, Amount: 2},
	})
}
