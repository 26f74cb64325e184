package core

import (
	"fmt"
	"time"

	"github.com/JonMunkholm/allocsync/internal/extract"
)

// PreviewSummary contains the summary counts for a dry-run parse.
type PreviewSummary struct {
	Tables     int `json:"tables"`
	TotalRows  int `json:"totalRows"`
	Candidates int `json:"candidates"`
	ErrorRows  int `json:"errorRows"`
}

// CandidatePreview is one interpretable row.
type CandidatePreview struct {
	Index  int      `json:"index"`
	Region string   `json:"region"`
	Period string   `json:"period"`
	Amount string   `json:"amount"`
	Raw    []string `json:"raw"`
}

// ErrorPreview is one row that would be skipped.
type ErrorPreview struct {
	Index  int        `json:"index"`
	Reason SkipReason `json:"reason"`
	Code   string     `json:"code"`
	Detail string     `json:"detail"`
	Raw    []string   `json:"raw"`
}

// PreviewResponse is the complete result of a dry-run parse.
type PreviewResponse struct {
	Parser           string             `json:"parser"`
	Summary          PreviewSummary     `json:"summary"`
	Candidates       []CandidatePreview `json:"candidates"`
	Errors           []ErrorPreview     `json:"errors"`
	ProcessingTimeMs int64              `json:"processingTimeMs"`
}

// Preview runs the normalizer and interpreter over markup without touching
// any store. It reports what a run would attempt to write.
func Preview(markup string, parserKey string) (*PreviewResponse, error) {
	startTime := time.Now()

	def, ok := Get(parserKey)
	if !ok {
		return nil, fmt.Errorf("%q: %w", parserKey, ErrUnknownParser)
	}

	rows := extract.Rows(markup, def.TableSelectors)
	resp := &PreviewResponse{
		Parser:     def.Info.Key,
		Summary:    PreviewSummary{Tables: extract.Tables(markup), TotalRows: len(rows)},
		Candidates: []CandidatePreview{},
		Errors:     []ErrorPreview{},
	}

	for i, r := range InterpretAll(rows, def) {
		if !r.OK() {
			resp.Summary.ErrorRows++
			resp.Errors = append(resp.Errors, ErrorPreview{
				Index:  i,
				Reason: r.Skip,
				Code:   MapSkip(r.Skip).Code,
				Detail: r.Detail,
				Raw:    rows[i],
			})
			continue
		}
		resp.Summary.Candidates++
		resp.Candidates = append(resp.Candidates, CandidatePreview{
			Index:  i,
			Region: r.Candidate.RegionName,
			Period: FormatPeriod(r.Candidate.Period),
			Amount: FormatAmount(r.Candidate.Amount),
			Raw:    r.Candidate.Raw,
		})
	}

	resp.ProcessingTimeMs = time.Since(startTime).Milliseconds()
	return resp, nil
}
