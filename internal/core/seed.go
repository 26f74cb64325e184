package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/JonMunkholm/allocsync/internal/logging"
)

// SeedJurisdiction lists the known regions of one jurisdiction.
type SeedJurisdiction struct {
	Name     string         `json:"state"`
	Code     string         `json:"code"`
	Regions  []string       `json:"lgas"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SeedResult counts what a seed run did.
type SeedResult struct {
	Jurisdictions int
	Regions       int
	Failed        []string // "<code>/<name>: <error>"
}

// ParseSeed decodes a seed document: a JSON array of jurisdictions.
func ParseSeed(r io.Reader) ([]SeedJurisdiction, error) {
	var seed []SeedJurisdiction
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&seed); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return seed, nil
}

// Seed resolves every listed region through the resolver, so running it
// twice creates nothing new. A failed region is recorded and skipped.
func Seed(ctx context.Context, resolver *Resolver, seed []SeedJurisdiction) (SeedResult, error) {
	var res SeedResult
	logger := logging.FromContext(ctx)

	for _, sj := range seed {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		j, err := resolver.EnsureJurisdiction(ctx, sj.Name, sj.Code)
		if err != nil {
			res.Failed = append(res.Failed, fmt.Sprintf("%s: %v", sj.Code, err))
			continue
		}
		res.Jurisdictions++

		for _, name := range sj.Regions {
			if strings.TrimSpace(name) == "" {
				continue
			}
			if _, err := resolver.Resolve(ctx, j.ID, name, sj.Metadata); err != nil {
				logger.Warn("seed region failed", "jurisdiction", j.Code, "region", name, "error", err)
				res.Failed = append(res.Failed, fmt.Sprintf("%s/%s: %v", j.Code, name, err))
				continue
			}
			res.Regions++
		}
		logger.Info("jurisdiction seeded", "jurisdiction", j.Code, "regions", len(sj.Regions))
	}
	return res, nil
}
