package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/JonMunkholm/allocsync/internal/core"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// ----------------------------------------------------------------------------
// Jurisdictions
// ----------------------------------------------------------------------------

const jurisdictionColumns = `id, name, code, created_at`

func scanJurisdiction(row rowScanner) (core.Jurisdiction, error) {
	var j core.Jurisdiction
	var id, created string
	if err := row.Scan(&id, &j.Name, &j.Code, &created); err != nil {
		return core.Jurisdiction{}, err
	}
	j.ID, j.CreatedAt = parseUUID(id), parseTime(created)
	return j, nil
}

func (s *Store) UpsertJurisdiction(ctx context.Context, name, code string) (core.Jurisdiction, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO jurisdictions (id, name, code, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (code) DO UPDATE SET name = excluded.name
		RETURNING `+jurisdictionColumns,
		uuid.NewString(), name, code, s.stamp(),
	)
	j, err := scanJurisdiction(row)
	return j, mapErr("upsert jurisdiction "+code, err)
}

func (s *Store) GetJurisdiction(ctx context.Context, id uuid.UUID) (core.Jurisdiction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jurisdictionColumns+` FROM jurisdictions WHERE id = ?`, id.String())
	j, err := scanJurisdiction(row)
	return j, mapErr("jurisdiction "+id.String(), err)
}

func (s *Store) GetJurisdictionByCode(ctx context.Context, code string) (core.Jurisdiction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jurisdictionColumns+` FROM jurisdictions WHERE code = ?`, code)
	j, err := scanJurisdiction(row)
	return j, mapErr("jurisdiction "+code, err)
}

func (s *Store) ListJurisdictions(ctx context.Context) ([]core.Jurisdiction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jurisdictionColumns+` FROM jurisdictions ORDER BY code`)
	if err != nil {
		return nil, mapErr("list jurisdictions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []core.Jurisdiction
	for rows.Next() {
		j, err := scanJurisdiction(rows)
		if err != nil {
			return nil, mapErr("scan jurisdiction", err)
		}
		out = append(out, j)
	}
	return out, mapErr("list jurisdictions", rows.Err())
}

// ----------------------------------------------------------------------------
// Regions
// ----------------------------------------------------------------------------

const regionSelect = `
	SELECT r.id, r.jurisdiction_id, j.name, r.name, r.name_key, r.code, r.metadata, r.created_at, r.updated_at
	FROM regions r
	JOIN jurisdictions j ON j.id = r.jurisdiction_id`

func scanRegion(row rowScanner) (core.Region, error) {
	var r core.Region
	var id, jid, metadata, created, updated string
	if err := row.Scan(&id, &jid, &r.JurisdictionName, &r.Name, &r.NameKey, &r.Code, &metadata, &created, &updated); err != nil {
		return core.Region{}, err
	}
	if err := json.Unmarshal([]byte(metadata), &r.Metadata); err != nil {
		return core.Region{}, fmt.Errorf("decode metadata: %w", err)
	}
	r.ID, r.JurisdictionID = parseUUID(id), parseUUID(jid)
	r.CreatedAt, r.UpdatedAt = parseTime(created), parseTime(updated)
	return r, nil
}

func (s *Store) FindRegion(ctx context.Context, jurisdictionID uuid.UUID, nameKey string) (core.Region, error) {
	row := s.db.QueryRowContext(ctx, regionSelect+` WHERE r.jurisdiction_id = ? AND r.name_key = ?`, jurisdictionID.String(), nameKey)
	r, err := scanRegion(row)
	return r, mapErr("region "+nameKey, err)
}

func (s *Store) GetRegion(ctx context.Context, id uuid.UUID) (core.Region, error) {
	row := s.db.QueryRowContext(ctx, regionSelect+` WHERE r.id = ?`, id.String())
	r, err := scanRegion(row)
	return r, mapErr("region "+id.String(), err)
}

func (s *Store) InsertRegion(ctx context.Context, p core.NewRegionParams) (core.Region, error) {
	metadata, err := encodeJSON(nonNilMap(p.Metadata))
	if err != nil {
		return core.Region{}, err
	}

	id := uuid.New()
	now := s.stamp()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO regions (id, jurisdiction_id, name, name_key, code, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), p.JurisdictionID.String(), p.Name, p.NameKey, p.Code, metadata, now, now,
	)
	if err != nil {
		return core.Region{}, mapErr("insert region "+p.Name, err)
	}
	return s.GetRegion(ctx, id)
}

func (s *Store) UpdateRegionMetadata(ctx context.Context, id uuid.UUID, metadata map[string]any) (core.Region, error) {
	encoded, err := encodeJSON(nonNilMap(metadata))
	if err != nil {
		return core.Region{}, err
	}

	res, err := s.db.ExecContext(ctx, `UPDATE regions SET metadata = ?, updated_at = ? WHERE id = ?`,
		encoded, s.stamp(), id.String())
	if err != nil {
		return core.Region{}, mapErr("update region metadata", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Region{}, fmt.Errorf("region %s: %w", id, core.ErrNotFound)
	}
	return s.GetRegion(ctx, id)
}

func (s *Store) ListRegions(ctx context.Context, jurisdictionID uuid.UUID) ([]core.Region, error) {
	rows, err := s.db.QueryContext(ctx, regionSelect+` WHERE r.jurisdiction_id = ? ORDER BY r.name_key`, jurisdictionID.String())
	if err != nil {
		return nil, mapErr("list regions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []core.Region
	for rows.Next() {
		r, err := scanRegion(rows)
		if err != nil {
			return nil, mapErr("scan region", err)
		}
		out = append(out, r)
	}
	return out, mapErr("list regions", rows.Err())
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

func scanSource(row rowScanner) (core.Source, error) {
	var src core.Source
	var id, created, updated string
	if err := row.Scan(&id, &src.URL, &src.Name, &src.Kind, &src.Parser, &src.Active, &created, &updated); err != nil {
		return core.Source{}, err
	}
	src.ID = parseUUID(id)
	src.CreatedAt, src.UpdatedAt = parseTime(created), parseTime(updated)
	return src, nil
}

func (s *Store) FindSourceByURL(ctx context.Context, url string) (core.Source, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE url = ?`, url)
	src, err := scanSource(row)
	return src, mapErr("source "+url, err)
}

func (s *Store) UpsertSource(ctx context.Context, p core.SourceParams) (core.Source, error) {
	now := s.stamp()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO sources (id, url, name, kind, parser, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (url) DO UPDATE
		SET name = excluded.name,
		    kind = excluded.kind,
		    parser = excluded.parser,
		    active = excluded.active,
		    updated_at = excluded.updated_at
		RETURNING `+sourceColumns,
		uuid.NewString(), p.URL, p.Name, p.Kind, p.Parser, p.Active, now, now,
	)
	src, err := scanSource(row)
	return src, mapErr("upsert source "+p.URL, err)
}

// ----------------------------------------------------------------------------
// Allocations
// ----------------------------------------------------------------------------

const allocationColumns = `id, region_id, source_id, period, amount, raw, revision, created_at, updated_at`

func scanAllocation(row rowScanner) (core.Allocation, error) {
	var a core.Allocation
	var id, rid, sid, period, amount, raw, created, updated string
	if err := row.Scan(&id, &rid, &sid, &period, &amount, &raw, &a.Revision, &created, &updated); err != nil {
		return core.Allocation{}, err
	}
	n, err := decodeAmount(amount)
	if err != nil {
		return core.Allocation{}, err
	}
	if err := json.Unmarshal([]byte(raw), &a.Raw); err != nil {
		return core.Allocation{}, fmt.Errorf("decode raw row: %w", err)
	}
	a.ID, a.RegionID, a.SourceID = parseUUID(id), parseUUID(rid), parseUUID(sid)
	a.Period, a.Amount = decodePeriod(period), n
	a.CreatedAt, a.UpdatedAt = parseTime(created), parseTime(updated)
	return a, nil
}

// Identical re-submissions match no row in the DO UPDATE branch, so
// RETURNING yields nothing.
const upsertAllocationSQL = `
	INSERT INTO allocations (id, region_id, source_id, period, amount, raw, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (region_id, source_id, period) DO UPDATE
	SET amount = excluded.amount,
	    raw = excluded.raw,
	    revision = allocations.revision + 1,
	    updated_at = excluded.updated_at
	WHERE allocations.amount IS NOT excluded.amount
	   OR allocations.raw IS NOT excluded.raw
	RETURNING ` + allocationColumns

func (s *Store) UpsertAllocation(ctx context.Context, p core.AllocationParams) (core.Allocation, core.RowStatus, error) {
	raw := p.Raw
	if raw == nil {
		raw = []string{}
	}
	encoded, err := encodeJSON(raw)
	if err != nil {
		return core.Allocation{}, "", err
	}

	id := uuid.New()
	now := s.stamp()
	period := core.FormatPeriod(p.Period)
	a, err := scanAllocation(s.db.QueryRowContext(ctx, upsertAllocationSQL,
		id.String(), p.RegionID.String(), p.SourceID.String(), period, core.FormatAmount(p.Amount), encoded, now, now))
	switch {
	case err == nil && a.ID == id:
		return a, core.RowInserted, nil
	case err == nil:
		return a, core.RowUpdated, nil
	case errors.Is(err, sql.ErrNoRows):
		existing, err := scanAllocation(s.db.QueryRowContext(ctx,
			`SELECT `+allocationColumns+` FROM allocations WHERE region_id = ? AND source_id = ? AND period = ?`,
			p.RegionID.String(), p.SourceID.String(), period))
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
	if f.RegionID != uuid.Nil {
		where, args = append(where, "region_id = ?"), append(args, f.RegionID.String())
	}
	if f.SourceID != uuid.Nil {
		where, args = append(where, "source_id = ?"), append(args, f.SourceID.String())
	}
	if f.From.Valid {
		where, args = append(where, "period >= ?"), append(args, core.FormatPeriod(f.From))
	}
	if f.To.Valid {
		where, args = append(where, "period <= ?"), append(args, core.FormatPeriod(f.To))
	}

	query := `SELECT ` + allocationColumns + ` FROM allocations`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY period DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list allocations", err)
	}
	defer func() { _ = rows.Close() }()

	var out []core.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, mapErr("scan allocation", err)
		}
		out = append(out, a)
	}
	return out, mapErr("list allocations", rows.Err())
}

// SummarizeRegion totals in Go since amounts are stored as text.
func (s *Store) SummarizeRegion(ctx context.Context, regionID uuid.UUID) (core.RegionSummary, error) {
	allocs, err := s.ListAllocations(ctx, core.AllocationFilter{RegionID: regionID})
	if err != nil {
		return core.RegionSummary{}, err
	}

	sum := core.RegionSummary{RegionID: regionID, Count: len(allocs)}
	for _, a := range allocs {
		sum.Total = core.SumAmounts(sum.Total, a.Amount)
	}
	if len(allocs) > 0 {
		sum.LatestPeriod = allocs[0].Period
	}
	return sum, nil
}

// ----------------------------------------------------------------------------
// Runs
// ----------------------------------------------------------------------------

func (s *Store) RecordRun(ctx context.Context, run core.IngestRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_runs (id, source_name, source_url, outcome, reason, error,
			inserted, updated, unchanged, skipped, snapshot_key, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.SourceName, run.SourceURL, string(run.Outcome), string(run.Reason), run.Error,
		run.Inserted, run.Updated, run.Unchanged, run.Skipped, run.SnapshotKey,
		run.StartedAt.UTC().Format(timeLayout), run.FinishedAt.UTC().Format(timeLayout),
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
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list runs", err)
	}
	defer func() { _ = rows.Close() }()

	var out []core.IngestRun
	for rows.Next() {
		var run core.IngestRun
		var id, outcome, reason, started, finished string
		if err := rows.Scan(&id, &run.SourceName, &run.SourceURL, &outcome, &reason, &run.Error,
			&run.Inserted, &run.Updated, &run.Unchanged, &run.Skipped, &run.SnapshotKey, &started, &finished); err != nil {
			return nil, mapErr("scan run", err)
		}
		run.ID = parseUUID(id)
		run.Outcome, run.Reason = core.RunOutcome(outcome), core.SkipReason(reason)
		run.StartedAt, run.FinishedAt = parseTime(started), parseTime(finished)
		out = append(out, run)
	}
	return out, mapErr("list runs", rows.Err())
}
