package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/JonMunkholm/allocsync/internal/extract"
	"github.com/JonMunkholm/allocsync/internal/logging"
)

const tracerName = "github.com/JonMunkholm/allocsync/internal/core"

// Fetcher retrieves source content.
type Fetcher interface {
	// Fetch returns the rendered page at url.
	Fetch(ctx context.Context, url string) (string, error)
	// Download streams the document at url to dest and returns its path.
	Download(ctx context.Context, url, dest string) (string, error)
}

// Archiver keeps a copy of fetched content and returns the key it was
// stored under.
type Archiver interface {
	Archive(ctx context.Context, slug, ext string, content []byte) (string, error)
}

// Metrics receives run and row observations.
type Metrics interface {
	RunFinished(source string, outcome RunOutcome, reason SkipReason, d time.Duration)
	RowProcessed(source string, status RowStatus, reason SkipReason)
}

// CoordinatorDeps holds the collaborators of a Coordinator. Store and
// Fetcher are required.
type CoordinatorDeps struct {
	Store    Store
	Fetcher  Fetcher
	Archiver Archiver    // Optional; content is not archived when nil
	Metrics  Metrics     // Optional
	Cache    RegionCache // Optional; defaults to an in-memory cache

	// DownloadDir receives binary documents such as PDFs.
	DownloadDir string
}

// Coordinator drives sources through fetch, parse, source registration and
// per-row reconciliation. Sources are processed one at a time; rows are
// processed in document order.
type Coordinator struct {
	store       Store
	fetcher     Fetcher
	archiver    Archiver
	metrics     Metrics
	resolver    *Resolver
	sources     *SourceRegistry
	reconciler  *Reconciler
	downloadDir string
	tracer      trace.Tracer
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(deps CoordinatorDeps) (*Coordinator, error) {
	if deps.Store == nil {
		return nil, errors.New("coordinator: store is required")
	}
	if deps.Fetcher == nil {
		return nil, errors.New("coordinator: fetcher is required")
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	downloadDir := deps.DownloadDir
	if downloadDir == "" {
		downloadDir = os.TempDir()
	}

	return &Coordinator{
		store:       deps.Store,
		fetcher:     deps.Fetcher,
		archiver:    deps.Archiver,
		metrics:     metrics,
		resolver:    NewResolver(deps.Store, deps.Cache),
		sources:     NewSourceRegistry(deps.Store),
		reconciler:  NewReconciler(deps.Store),
		downloadDir: downloadDir,
		tracer:      otel.Tracer(tracerName),
	}, nil
}

// Resolver returns the coordinator's entity resolver, shared with callers
// that seed regions outside a run.
func (c *Coordinator) Resolver() *Resolver {
	return c.resolver
}

// RunAll processes sources one after another. A failing source never stops
// the others; inactive sources are reported as skipped without being
// fetched. Cancellation of ctx stops before the next source.
func (c *Coordinator) RunAll(ctx context.Context, sources []SourceConfig) []RunResult {
	results := make([]RunResult, 0, len(sources))
	for _, sc := range sources {
		if ctx.Err() != nil {
			logging.FromContext(ctx).Warn("run interrupted", "remaining", len(sources)-len(results))
			break
		}
		if !sc.Active {
			results = append(results, RunResult{
				RunID:      uuid.New(),
				SourceName: sc.Name,
				SourceURL:  sc.URL,
				Outcome:    OutcomeSkipped,
				Stage:      StageDone,
				HaltedAt:   StageFetch,
				Reason:     SkipInactive,
				StartedAt:  time.Now(),
			})
			continue
		}
		results = append(results, c.RunSource(ctx, sc))
	}
	return results
}

// RunSource processes a single source and returns its result. It never
// returns an error: every failure is folded into the result.
func (c *Coordinator) RunSource(ctx context.Context, sc SourceConfig) RunResult {
	res := RunResult{
		RunID:      uuid.New(),
		SourceName: sc.Name,
		SourceURL:  sc.URL,
		Stage:      StageFetch,
		StartedAt:  time.Now(),
	}

	ctx = ContextWithRunID(ctx, res.RunID)
	ctx = logging.ContextWith(ctx, "source", sc.Name)
	ctx, span := c.tracer.Start(ctx, "core.RunSource",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("source.name", sc.Name),
			attribute.String("source.url", sc.URL),
			attribute.String("source.parser", sc.Parser),
		),
	)
	defer span.End()

	logging.FromContext(ctx).Info("run started", "url", sc.URL, "kind", sc.Kind, "parser", sc.Parser)

	c.execute(ctx, sc, &res)

	res.Duration = time.Since(res.StartedAt)
	c.finish(ctx, span, &res)
	return res
}

func (c *Coordinator) execute(ctx context.Context, sc SourceConfig, res *RunResult) {
	if sc.Kind == KindPDF {
		c.downloadDocument(ctx, sc, res)
		return
	}

	def, ok := Get(sc.Parser)
	if !ok {
		c.skip(res, SkipUnknownParser, fmt.Errorf("%q: %w", sc.Parser, ErrUnknownParser))
		return
	}

	// FETCH
	c.enter(ctx, res, StageFetch)
	content, err := c.fetcher.Fetch(ctx, sc.URL)
	if err != nil {
		if isCancellation(err) {
			c.fail(res, fmt.Errorf("fetch interrupted: %w", err))
			return
		}
		c.skip(res, skipReasonFor(err), err)
		return
	}
	if strings.TrimSpace(content) == "" {
		c.skip(res, SkipEmptyContent, ErrEmptyContent)
		return
	}
	res.SnapshotKey = c.archive(ctx, sc, "html", []byte(content))

	// PARSE
	c.enter(ctx, res, StageParse)
	rows := extract.Rows(content, def.TableSelectors)
	results := InterpretAll(rows, def)
	res.TotalRows = len(rows)
	for i, r := range results {
		if !r.OK() {
			c.recordSkip(ctx, sc, res, RowOutcome{
				Index:  i,
				Status: RowSkipped,
				Reason: r.Skip,
				Detail: r.Detail,
				Raw:    rows[i],
			})
		}
	}
	if CountCandidates(results) == 0 {
		logging.FromContext(ctx).Warn("no candidate rows",
			"tables", extract.Tables(content),
			"rows", len(rows),
		)
		c.skip(res, SkipNoRows, ErrNoRows)
		return
	}

	// REGISTER_SOURCE
	c.enter(ctx, res, StageRegisterSource)
	jurisdiction, err := c.resolver.EnsureJurisdiction(ctx, sc.Jurisdiction.Name, sc.Jurisdiction.Code)
	if err != nil {
		c.fail(res, err)
		return
	}
	sourceID, err := c.sources.GetOrRegister(ctx, sc.SourceDescriptor)
	if err != nil {
		c.fail(res, err)
		return
	}
	res.SourceID = sourceID

	// RESOLVE_REGION -> RECONCILE, per row
	c.enter(ctx, res, StageRows)
	for i, r := range results {
		if !r.OK() {
			continue
		}
		if err := ctx.Err(); err != nil {
			c.fail(res, fmt.Errorf("interrupted at row %d: %w", i, err))
			return
		}
		c.processRow(ctx, sc, res, jurisdiction.ID, sourceID, i, r.Candidate)
	}

	res.Stage = StageDone
	res.Outcome = OutcomeCompleted
}

func (c *Coordinator) processRow(ctx context.Context, sc SourceConfig, res *RunResult, jurisdictionID, sourceID uuid.UUID, index int, cand Candidate) {
	outcome := RowOutcome{
		Index:      index,
		RegionName: cand.RegionName,
		Raw:        cand.Raw,
	}

	region, err := c.resolver.Resolve(ctx, jurisdictionID, cand.RegionName, sc.RegionMetadata)
	if err != nil {
		outcome.Status = RowSkipped
		outcome.Reason = SkipResolution
		outcome.Detail = err.Error()
		c.recordSkip(ctx, sc, res, outcome)
		return
	}
	outcome.RegionID = region.ID

	alloc, status, err := c.reconciler.Reconcile(ctx, region.ID, sourceID, cand.Period, cand.Amount, cand.Raw)
	if err != nil {
		outcome.Status = RowSkipped
		outcome.Reason = SkipPersistence
		if errors.Is(err, ErrNegativeAmount) {
			outcome.Reason = SkipInvalidAmount
		}
		outcome.Detail = err.Error()
		c.recordSkip(ctx, sc, res, outcome)
		return
	}

	outcome.Status = status
	outcome.AllocationID = alloc.ID
	switch status {
	case RowInserted:
		res.Inserted++
	case RowUpdated:
		res.Updated++
	case RowUnchanged:
		res.Unchanged++
	}
	res.Rows = append(res.Rows, outcome)
	c.metrics.RowProcessed(sc.Name, status, "")

	logging.FromContext(ctx).Debug("row reconciled",
		"row", index,
		"region", region.Name,
		"period", FormatPeriod(cand.Period),
		"amount", FormatAmount(cand.Amount),
		"status", status,
	)
}

// downloadDocument handles binary sources: the document is downloaded and
// archived, then reported as unsupported since it cannot be parsed.
func (c *Coordinator) downloadDocument(ctx context.Context, sc SourceConfig, res *RunResult) {
	c.enter(ctx, res, StageFetch)

	dest := filepath.Join(c.downloadDir, SourceSlug(sc.Name)+".pdf")
	path, err := c.fetcher.Download(ctx, sc.URL, dest)
	if err != nil {
		if isCancellation(err) {
			c.fail(res, fmt.Errorf("download interrupted: %w", err))
			return
		}
		c.skip(res, SkipFetchFailed, err)
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		c.skip(res, SkipFetchFailed, fmt.Errorf("read download: %w", err))
		return
	}
	if len(data) == 0 {
		c.skip(res, SkipEmptyContent, ErrEmptyContent)
		return
	}
	res.SnapshotKey = c.archive(ctx, sc, "pdf", data)

	c.enter(ctx, res, StageParse)
	c.skip(res, SkipUnsupportedFormat, fmt.Errorf("%s saved to %s: %w", sc.Kind, path, ErrUnsupportedFormat))
}

func (c *Coordinator) archive(ctx context.Context, sc SourceConfig, ext string, content []byte) string {
	if c.archiver == nil {
		return ""
	}
	key, err := c.archiver.Archive(ctx, SourceSlug(sc.Name), ext, content)
	if err != nil {
		logging.FromContext(ctx).Warn("snapshot archive failed", "error", err)
		return ""
	}
	return key
}

func (c *Coordinator) enter(ctx context.Context, res *RunResult, stage RunStage) {
	res.Stage = stage
	trace.SpanFromContext(ctx).AddEvent("stage", trace.WithAttributes(attribute.String("stage", string(stage))))
	logging.FromContext(ctx).Debug("stage entered", "stage", stage)
}

// skip and fail end the run: the stage moves to done and the stage the run
// stopped in is kept in HaltedAt.
func (c *Coordinator) skip(res *RunResult, reason SkipReason, err error) {
	res.HaltedAt, res.Stage = res.Stage, StageDone
	res.Outcome = OutcomeSkipped
	res.Reason = reason
	if err != nil {
		res.Error = err.Error()
	}
}

func (c *Coordinator) fail(res *RunResult, err error) {
	res.HaltedAt, res.Stage = res.Stage, StageDone
	res.Outcome = OutcomeFailed
	res.Error = err.Error()
}

func (c *Coordinator) recordSkip(ctx context.Context, sc SourceConfig, res *RunResult, outcome RowOutcome) {
	outcome.Status = RowSkipped
	res.Skipped++
	res.Rows = append(res.Rows, outcome)
	c.metrics.RowProcessed(sc.Name, RowSkipped, outcome.Reason)

	logging.FromContext(ctx).Warn("row skipped",
		"row", outcome.Index,
		"region", outcome.RegionName,
		"reason", outcome.Reason,
		"code", MapSkip(outcome.Reason).Code,
		"detail", outcome.Detail,
	)
}

func (c *Coordinator) finish(ctx context.Context, span trace.Span, res *RunResult) {
	logger := logging.FromContext(ctx)

	span.SetAttributes(
		attribute.String("run.outcome", string(res.Outcome)),
		attribute.String("run.stage", string(res.Stage)),
		attribute.String("run.halted_at", string(res.HaltedAt)),
		attribute.Int("run.inserted", res.Inserted),
		attribute.Int("run.updated", res.Updated),
		attribute.Int("run.unchanged", res.Unchanged),
		attribute.Int("run.skipped", res.Skipped),
	)

	switch res.Outcome {
	case OutcomeFailed:
		span.SetStatus(codes.Error, res.Error)
		logger.Error("run failed", "stage", res.HaltedAt, "error", res.Error, "duration", res.Duration)
	case OutcomeSkipped:
		logger.Warn("source skipped",
			"stage", res.HaltedAt,
			"reason", res.Reason,
			"code", MapSkip(res.Reason).Code,
			"error", res.Error,
		)
	default:
		span.SetStatus(codes.Ok, "")
		logger.Info("run completed",
			"rows", res.TotalRows,
			"inserted", res.Inserted,
			"updated", res.Updated,
			"unchanged", res.Unchanged,
			"skipped", res.Skipped,
			"duration", res.Duration,
		)
	}

	c.metrics.RunFinished(res.SourceName, res.Outcome, res.Reason, res.Duration)

	// Recorded even when the run was cancelled.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.store.RecordRun(recordCtx, res.IngestRun()); err != nil {
		logger.Warn("failed to record run", "error", err)
	}
}

// IngestRun returns the persisted summary of the result.
func (r RunResult) IngestRun() IngestRun {
	return IngestRun{
		ID:          r.RunID,
		SourceName:  r.SourceName,
		SourceURL:   r.SourceURL,
		Outcome:     r.Outcome,
		Reason:      r.Reason,
		Error:       r.Error,
		Inserted:    r.Inserted,
		Updated:     r.Updated,
		Unchanged:   r.Unchanged,
		Skipped:     r.Skipped,
		SnapshotKey: r.SnapshotKey,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.StartedAt.Add(r.Duration),
	}
}

var slugStripRegex = regexp.MustCompile(`[^a-z0-9]+`)

// SourceSlug returns a filesystem and object-key safe form of a source name.
func SourceSlug(name string) string {
	slug := strings.Trim(slugStripRegex.ReplaceAllString(NameKey(name), "-"), "-")
	if slug == "" {
		return "source"
	}
	return slug
}

type noopMetrics struct{}

func (noopMetrics) RunFinished(string, RunOutcome, SkipReason, time.Duration) {}
func (noopMetrics) RowProcessed(string, RowStatus, SkipReason)                {}
