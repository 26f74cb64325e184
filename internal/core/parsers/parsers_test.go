package parsers

import (
	"testing"

	"github.com/JonMunkholm/allocsync/internal/core"
)

func TestParsersRegistered(t *testing.T) {
	tests := []struct {
		key        string
		minColumns int
		region     int
	}{
		{"ogun_allocations_v1", 3, 2},
		{"generic_period_amount_region", 3, 2},
		{"generic_region_period_amount", 3, 0},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			def, ok := core.Get(tt.key)
			if !ok {
				t.Fatalf("parser %q not registered", tt.key)
			}
			if def.MinColumns != tt.minColumns {
				t.Errorf("MinColumns = %d, want %d", def.MinColumns, tt.minColumns)
			}
			if def.Columns.Region != tt.region {
				t.Errorf("Columns.Region = %d, want %d", def.Columns.Region, tt.region)
			}
		})
	}
}

func TestOgunParser_AbeokutaRow(t *testing.T) {
	def, ok := core.Get("ogun_allocations_v1")
	if !ok {
		t.Fatal("ogun_allocations_v1 not registered")
	}

	r := core.Interpret([]string{"January 2024", "₦150,000,000.00", "Abeokuta North"}, def)
	if !r.OK() {
		t.Fatalf("row skipped: %s (%s)", r.Skip, r.Detail)
	}
	if got := core.FormatPeriod(r.Candidate.Period); got != "2024-01-01" {
		t.Errorf("period = %s, want 2024-01-01", got)
	}
	if got := core.FormatAmount(r.Candidate.Amount); got != "150000000.00" {
		t.Errorf("amount = %s, want 150000000.00", got)
	}
	if r.Candidate.RegionName != "Abeokuta North" {
		t.Errorf("region = %q", r.Candidate.RegionName)
	}
}
