package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/allocsync/internal/core"
)

// defaultPreviewBytes bounds posted markup when the fetch limit is unset.
const defaultPreviewBytes = 20 << 20

// JurisdictionDTO is the JSON form of a jurisdiction.
type JurisdictionDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Code string `json:"code"`
}

// RegionDTO is the JSON form of a region.
type RegionDTO struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Code         string         `json:"code,omitempty"`
	Jurisdiction string         `json:"jurisdiction"`
	Metadata     map[string]any `json:"metadata"`
}

// AllocationDTO is the JSON form of an allocation. Amounts are decimal
// strings so no precision is lost in transit.
type AllocationDTO struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"sourceId"`
	Period    string    `json:"period"`
	Amount    string    `json:"amount"`
	Raw       []string  `json:"raw"`
	Revision  int       `json:"revision"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SummaryDTO is the JSON form of a region summary.
type SummaryDTO struct {
	Region       RegionDTO `json:"region"`
	Count        int       `json:"count"`
	Total        string    `json:"total"`
	LatestPeriod string    `json:"latestPeriod,omitempty"`
}

// RunDTO is the JSON form of a persisted ingest run.
type RunDTO struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	URL         string    `json:"url"`
	Outcome     string    `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
	Error       string    `json:"error,omitempty"`
	Inserted    int       `json:"inserted"`
	Updated     int       `json:"updated"`
	Unchanged   int       `json:"unchanged"`
	Skipped     int       `json:"skipped"`
	SnapshotKey string    `json:"snapshotKey,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
}

// ParserDTO describes one registered parser.
type ParserDTO struct {
	Key   string `json:"key"`
	Kind  string `json:"kind"`
	Label string `json:"label"`
}

func toRegionDTO(r core.Region) RegionDTO {
	meta := r.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return RegionDTO{
		ID:           r.ID.String(),
		Name:         r.Name,
		Code:         r.Code,
		Jurisdiction: r.JurisdictionName,
		Metadata:     meta,
	}
}

func toAllocationDTO(a core.Allocation) AllocationDTO {
	raw := a.Raw
	if raw == nil {
		raw = []string{}
	}
	return AllocationDTO{
		ID:        a.ID.String(),
		SourceID:  a.SourceID.String(),
		Period:    a.PeriodString(),
		Amount:    a.AmountString(),
		Raw:       raw,
		Revision:  a.Revision,
		UpdatedAt: a.UpdatedAt,
	}
}

func toRunDTO(r core.IngestRun) RunDTO {
	return RunDTO{
		ID:          r.ID.String(),
		Source:      r.SourceName,
		URL:         r.SourceURL,
		Outcome:     string(r.Outcome),
		Reason:      string(r.Reason),
		Error:       r.Error,
		Inserted:    r.Inserted,
		Updated:     r.Updated,
		Unchanged:   r.Unchanged,
		Skipped:     r.Skipped,
		SnapshotKey: r.SnapshotKey,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"previews": s.previews.status(),
	})
}

func (s *Server) handleListJurisdictions(w http.ResponseWriter, r *http.Request) {
	list, err := s.service.Jurisdictions(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	out := make([]JurisdictionDTO, 0, len(list))
	for _, j := range list {
		out = append(out, JurisdictionDTO{ID: j.ID.String(), Name: j.Name, Code: j.Code})
	}
	writeJSON(w, http.StatusOK, map[string]any{"jurisdictions": out})
}

func (s *Server) handleListRegions(w http.ResponseWriter, r *http.Request) {
	j, regions, err := s.service.Regions(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	out := make([]RegionDTO, 0, len(regions))
	for _, region := range regions {
		out = append(out, toRegionDTO(region))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jurisdiction": JurisdictionDTO{ID: j.ID.String(), Name: j.Name, Code: j.Code},
		"regions":      out,
	})
}

func (s *Server) handleRegionAllocations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	q := r.URL.Query()
	region, allocs, err := s.service.RegionAllocations(r.Context(), core.AllocationQuery{
		RegionID: chi.URLParam(r, "regionID"),
		From:     q.Get("from"),
		To:       q.Get("to"),
		Limit:    limit,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	out := make([]AllocationDTO, 0, len(allocs))
	for _, a := range allocs {
		out = append(out, toAllocationDTO(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"region":      toRegionDTO(region),
		"allocations": out,
	})
}

func (s *Server) handleRegionSummary(w http.ResponseWriter, r *http.Request) {
	region, sum, err := s.service.RegionSummary(r.Context(), chi.URLParam(r, "regionID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SummaryDTO{
		Region:       toRegionDTO(region),
		Count:        sum.Count,
		Total:        core.FormatAmount(sum.Total),
		LatestPeriod: core.FormatPeriod(sum.LatestPeriod),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	runs, err := s.service.RecentRuns(r.Context(), limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	out := make([]RunDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (s *Server) handleListParsers(w http.ResponseWriter, r *http.Request) {
	defs := core.All()
	out := make([]ParserDTO, 0, len(defs))
	for _, d := range defs {
		out = append(out, ParserDTO{Key: d.Info.Key, Kind: d.Info.Kind, Label: d.Info.Label})
	}
	writeJSON(w, http.StatusOK, map[string]any{"parsers": out})
}

// handlePreview parses posted HTML with the named parser and reports what a
// run would write, without touching the store.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.Fetch.MaxBodyBytes
	if limit <= 0 {
		limit = defaultPreviewBytes
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{
				Error:   "request body too large",
				Message: "The posted document is too large",
				Action:  fmt.Sprintf("Post at most %d bytes", limit),
				Code:    "API003",
			})
			return
		}
		s.respondError(w, r, fmt.Errorf("read body: %v: %w", err, core.ErrInvalidQuery))
		return
	}
	if len(body) == 0 {
		s.respondError(w, r, fmt.Errorf("empty body: %w", core.ErrInvalidQuery))
		return
	}

	if err := s.previews.acquire(r.Context()); err != nil {
		if errors.Is(err, errTooManyPreviews) {
			w.Header().Set("Retry-After", "5")
			writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
				Error:   err.Error(),
				Message: "The server is busy parsing other documents",
				Action:  "Retry in a few seconds",
				Code:    "API004",
			})
			return
		}
		s.respondError(w, r, err)
		return
	}
	defer s.previews.release()

	resp, err := core.Preview(string(body), chi.URLParam(r, "parser"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// queryLimit reads the optional ?limit= parameter.
func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit %q: %w", raw, core.ErrInvalidQuery)
	}
	return n, nil
}
