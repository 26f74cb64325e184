package core

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// Reconciler writes allocations so that re-ingesting the same
// (region, source, period) overwrites instead of duplicating.
type Reconciler struct {
	store Store
}

// NewReconciler creates a reconciler backed by store.
func NewReconciler(store Store) *Reconciler {
	return &Reconciler{store: store}
}

// Reconcile inserts or corrects the allocation for (regionID, sourceID,
// period). The write is a single atomic upsert in the store.
func (r *Reconciler) Reconcile(ctx context.Context, regionID, sourceID uuid.UUID, period pgtype.Date, amount pgtype.Numeric, raw []string) (Allocation, RowStatus, error) {
	if regionID == uuid.Nil || sourceID == uuid.Nil {
		return Allocation{}, "", errors.New("region and source are required")
	}
	if !period.Valid {
		return Allocation{}, "", errors.New("period is required")
	}
	if !amount.Valid {
		return Allocation{}, "", errors.New("amount is required")
	}
	if IsNegative(amount) {
		return Allocation{}, "", fmt.Errorf("%s: %w", FormatAmount(amount), ErrNegativeAmount)
	}

	alloc, status, err := r.store.UpsertAllocation(ctx, AllocationParams{
		RegionID: regionID,
		SourceID: sourceID,
		Period:   period,
		Amount:   amount,
		Raw:      slices.Clone(raw),
	})
	if err != nil {
		return Allocation{}, "", fmt.Errorf("upsert allocation %s: %w", FormatPeriod(period), err)
	}
	return alloc, status, nil
}
