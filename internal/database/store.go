package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/allocsync/internal/core"
)

// Store implements core.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ core.Store = (*Store)(nil)

// NewStore wraps pool. The schema must already be applied.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// ----------------------------------------------------------------------------
// Jurisdictions
// ----------------------------------------------------------------------------

const jurisdictionColumns = `id, name, code, created_at`

func scanJurisdiction(row pgx.Row) (core.Jurisdiction, error) {
	var j core.Jurisdiction
	err := row.Scan(&j.ID, &j.Name, &j.Code, &j.CreatedAt)
	return j, err
}

func (s *Store) UpsertJurisdiction(ctx context.Context, name, code string) (core.Jurisdiction, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jurisdictions (id, name, code)
		VALUES ($1, $2, $3)
		ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name
		RETURNING `+jurisdictionColumns,
		uuid.New(), name, code,
	)
	j, err := scanJurisdiction(row)
	return j, mapErr("upsert jurisdiction "+code, err)
}

func (s *Store) GetJurisdiction(ctx context.Context, id uuid.UUID) (core.Jurisdiction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jurisdictionColumns+` FROM jurisdictions WHERE id = $1`, id)
	j, err := scanJurisdiction(row)
	return j, mapErr("jurisdiction "+id.String(), err)
}

func (s *Store) GetJurisdictionByCode(ctx context.Context, code string) (core.Jurisdiction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jurisdictionColumns+` FROM jurisdictions WHERE code = $1`, code)
	j, err := scanJurisdiction(row)
	return j, mapErr("jurisdiction "+code, err)
}

func (s *Store) ListJurisdictions(ctx context.Context) ([]core.Jurisdiction, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jurisdictionColumns+` FROM jurisdictions ORDER BY code`)
	if err != nil {
		return nil, mapErr("list jurisdictions", err)
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (core.Jurisdiction, error) {
		return scanJurisdiction(r)
	})
	return out, mapErr("list jurisdictions", err)
}

// ----------------------------------------------------------------------------
// Regions
// ----------------------------------------------------------------------------

const regionSelect = `
	SELECT r.id, r.jurisdiction_id, j.name, r.name, r.name_key, r.code, r.metadata, r.created_at, r.updated_at
	FROM regions r
	JOIN jurisdictions j ON j.id = r.jurisdiction_id`

func scanRegion(row pgx.Row) (core.Region, error) {
	var r core.Region
	err := row.Scan(&r.ID, &r.JurisdictionID, &r.JurisdictionName, &r.Name, &r.NameKey,
		&r.Code, &r.Metadata, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (s *Store) FindRegion(ctx context.Context, jurisdictionID uuid.UUID, nameKey string) (core.Region, error) {
	row := s.pool.QueryRow(ctx, regionSelect+` WHERE r.jurisdiction_id = $1 AND r.name_key = $2`, jurisdictionID, nameKey)
	r, err := scanRegion(row)
	return r, mapErr("region "+nameKey, err)
}

func (s *Store) GetRegion(ctx context.Context, id uuid.UUID) (core.Region, error) {
	row := s.pool.QueryRow(ctx, regionSelect+` WHERE r.id = $1`, id)
	r, err := scanRegion(row)
	return r, mapErr("region "+id.String(), err)
}

func (s *Store) InsertRegion(ctx context.Context, p core.NewRegionParams) (core.Region, error) {
	id := uuid.New()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO regions (id, jurisdiction_id, name, name_key, code, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, p.JurisdictionID, p.Name, p.NameKey, p.Code, nonNilMap(p.Metadata),
	)
	if err != nil {
		return core.Region{}, mapErr("insert region "+p.Name, err)
	}
	return s.GetRegion(ctx, id)
}

func (s *Store) UpdateRegionMetadata(ctx context.Context, id uuid.UUID, metadata map[string]any) (core.Region, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE regions SET metadata = $2, updated_at = now() WHERE id = $1`,
		id, nonNilMap(metadata),
	)
	if err != nil {
		return core.Region{}, mapErr("update region metadata", err)
	}
	if tag.RowsAffected() == 0 {
		return core.Region{}, fmt.Errorf("region %s: %w", id, core.ErrNotFound)
	}
	return s.GetRegion(ctx, id)
}

func (s *Store) ListRegions(ctx context.Context, jurisdictionID uuid.UUID) ([]core.Region, error) {
	rows, err := s.pool.Query(ctx, regionSelect+` WHERE r.jurisdiction_id = $1 ORDER BY r.name_key`, jurisdictionID)
	if err != nil {
		return nil, mapErr("list regions", err)
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (core.Region, error) {
		return scanRegion(r)
	})
	return out, mapErr("list regions", err)
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// ----------------------------------------------------------------------------
// Sources
// ----------------------------------------------------------------------------

const sourceColumns = `id, url, name, kind, parser, active, created_at, updated_at`

func scanSource(row pgx.Row) (core.Source, error) {
	var src core.Source
	err := row.Scan(&src.ID, &src.URL, &src.Name, &src.Kind, &src.Parser, &src.Active, &src.CreatedAt, &src.UpdatedAt)
	return src, err
}

func (s *Store) FindSourceByURL(ctx context.Context, url string) (core.Source, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE url = $1`, url)
	src, err := scanSource(row)
	return src, mapErr("source "+url, err)
}

func (s *Store) UpsertSource(ctx context.Context, p core.SourceParams) (core.Source, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO sources (id, url, name, kind, parser, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (url) DO UPDATE
		SET name = EXCLUDED.name,
		    kind = EXCLUDED.kind,
		    parser = EXCLUDED.parser,
		    active = EXCLUDED.active,
		    updated_at = now()
		RETURNING `+sourceColumns,
		uuid.New(), p.URL, p.Name, p.Kind, p.Parser, p.Active,
	)
	src, err := scanSource(row)
	return src, mapErr("upsert source "+p.URL, err)
}

// ----------------------------------------------------------------------------
// Allocations
// ----------------------------------------------------------------------------

const allocationColumns = `id, region_id, source_id, period, amount, raw, revision, created_at, updated_at`

func scanAllocation(row pgx.Row) (core.Allocation, error) {
	var a core.Allocation
	err := row.Scan(&a.ID, &a.RegionID, &a.SourceID, &a.Period, &a.Amount, &a.Raw, &a.Revision, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

// The WHERE clause turns an identical re-submission into a no-op, in which
// case RETURNING yields no row.
const upsertAllocationSQL = `
	INSERT INTO allocations (id, region_id, source_id, period, amount, raw)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (region_id, source_id, period) DO UPDATE
	SET amount = EXCLUDED.amount,
	    raw = EXCLUDED.raw,
	    revision = allocations.revision + 1,
	    updated_at = now()
	WHERE allocations.amount IS DISTINCT FROM EXCLUDED.amount
	   OR allocations.raw IS DISTINCT FROM EXCLUDED.raw
	RETURNING ` + allocationColumns

func (s *Store) UpsertAllocation(ctx context.Context, p core.AllocationParams) (core.Allocation, core.RowStatus, error) {
	raw := p.Raw
	if raw == nil {
		raw = []string{}
	}

	id := uuid.New()
	a, err := scanAllocation(s.pool.QueryRow(ctx, upsertAllocationSQL,
		id, p.RegionID, p.SourceID, p.Period, p.Amount, raw))
	switch {
	case err == nil && a.ID == id:
		return a, core.RowInserted, nil
	case err == nil:
		return a, core.RowUpdated, nil
	case errors.Is(err, pgx.ErrNoRows):
		existing, err := scanAllocation(s.pool.QueryRow(ctx,
			`SELECT `+allocationColumns+` FROM allocations WHERE region_id = $1 AND source_id = $2 AND period = $3`,
			p.RegionID, p.SourceID, p.Period))
		if err != nil {
			return core.Allocation{}, "", mapErr("reload allocation", err)
		}
		return existing, core.RowUnchanged, nil
	default:
		return core.Allocation{}, "", mapErr("upsert allocation", err)
	}
}

func (s *Store) ListAllocations(ctx context.Context, f core.AllocationFilter) ([]core.Allocation, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.RegionID != uuid.Nil {
		add("region_id = $%d", f.RegionID)
	}
	if f.SourceID != uuid.Nil {
		add("source_id = $%d", f.SourceID)
	}
	if f.From.Valid {
		add("period >= $%d", f.From)
	}
	if f.To.Valid {
		add("period <= $%d", f.To)
	}

	query := `SELECT ` + allocationColumns + ` FROM allocations`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY period DESC, id::text`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list allocations", err)
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (core.Allocation, error) {
		return scanAllocation(r)
	})
	return out, mapErr("list allocations", err)
}

func (s *Store) SummarizeRegion(ctx context.Context, regionID uuid.UUID) (core.RegionSummary, error) {
	sum := core.RegionSummary{RegionID: regionID}
	err := s.pool.QueryRow(ctx, `
		SELECT count(*), sum(amount), max(period)
		FROM allocations
		WHERE region_id = $1`, regionID,
	).Scan(&sum.Count, &sum.Total, &sum.LatestPeriod)
	return sum, mapErr("summarize region", err)
}

// ----------------------------------------------------------------------------
// Runs
// ----------------------------------------------------------------------------

func (s *Store) RecordRun(ctx context.Context, run core.IngestRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ingest_runs (id, source_name, source_url, outcome, reason, error,
			inserted, updated, unchanged, skipped, snapshot_key, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		run.ID, run.SourceName, run.SourceURL, string(run.Outcome), string(run.Reason), run.Error,
		run.Inserted, run.Updated, run.Unchanged, run.Skipped, run.SnapshotKey, run.StartedAt, run.FinishedAt,
	)
	return mapErr("record run", err)
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]core.IngestRun, error) {
	query := `
		SELECT id, source_name, source_url, outcome, reason, error,
			inserted, updated, unchanged, skipped, snapshot_key, started_at, finished_at
		FROM ingest_runs
		ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list runs", err)
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (core.IngestRun, error) {
		var run core.IngestRun
		var outcome, reason string
		err := r.Scan(&run.ID, &run.SourceName, &run.SourceURL, &outcome, &reason, &run.Error,
			&run.Inserted, &run.Updated, &run.Unchanged, &run.Skipped, &run.SnapshotKey, &run.StartedAt, &run.FinishedAt)
		run.Outcome, run.Reason = core.RunOutcome(outcome), core.SkipReason(reason)
		return run, err
	})
	return out, mapErr("list runs", err)
}
