// Package core provides the ingestion and reconciliation logic for budget
// allocation disclosures.
//
// The package has no transport or storage dependencies beyond the [Store],
// [Fetcher] and [Archiver] interfaces. It is driven by the CLI, the HTTP
// server and tests without modification.
//
// # Architecture
//
// A run walks each configured source through a fixed sequence of stages:
//
//  1. fetch: the page is retrieved through a [Fetcher]
//  2. parse: the first matching table is normalized into raw rows
//  3. register_source: the jurisdiction and the source are upserted
//  4. rows: every row is interpreted, resolved and reconciled
//
// A source-level failure skips the source and the [Coordinator] moves on to
// the next one. A row-level failure skips the row and iteration continues.
//
// # Parser Registry
//
// Parsers are registered at init time using [Register]. Each
// [ParserDefinition] names the tables to look for and the column layout:
//
//	core.Register(core.ParserDefinition{
//	    Info:           core.ParserInfo{Key: "ogun_allocations_v1", Kind: core.KindStatePortal},
//	    TableSelectors: []string{"table.allocations"},
//	    Columns:        core.ColumnMap{Period: 0, Amount: 1, Region: 2},
//	})
//
// # Identity
//
// Regions are matched by a folded name key within their jurisdiction, so
// "Abeokuta South" and "  ABEOKUTA south" resolve to the same region. There
// is no fuzzy matching. Allocations are keyed by (region, source, period)
// and re-running a source only bumps the revision of rows whose amount or
// raw cells changed.
//
// # Error Handling
//
// Technical errors are mapped to user-friendly messages using [MapError].
// Skip reasons map through [MapSkip]. See error_messages.go for the codes.
package core
