package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SourceDescriptor identifies an external disclosure origin.
type SourceDescriptor struct {
	URL    string
	Name   string
	Kind   string
	Parser string
}

// JurisdictionRef names the jurisdiction a source reports for.
type JurisdictionRef struct {
	Name string
	Code string
}

// SourceConfig is one configured ingestion target.
type SourceConfig struct {
	SourceDescriptor
	Jurisdiction JurisdictionRef

	// RegionMetadata is merged into every region the source resolves.
	RegionMetadata map[string]any

	Active bool
}

// Source kinds.
const (
	KindStatePortal = "state_portal"
	KindPDF         = "pdf"
)

// SourceRegistry maps source descriptors to stable source ids.
type SourceRegistry struct {
	store Store
}

// NewSourceRegistry creates a registry backed by store.
func NewSourceRegistry(store Store) *SourceRegistry {
	return &SourceRegistry{store: store}
}

// GetOrRegister returns the id of the source with d's URL, registering it
// as active when absent. Repeated calls with the same URL return the same id.
func (r *SourceRegistry) GetOrRegister(ctx context.Context, d SourceDescriptor) (uuid.UUID, error) {
	url := strings.TrimSpace(d.URL)
	if url == "" {
		return uuid.Nil, errors.New("source url is required")
	}

	src, err := r.store.FindSourceByURL(ctx, url)
	if err == nil {
		return src.ID, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return uuid.Nil, fmt.Errorf("find source %s: %w", url, err)
	}

	name := strings.TrimSpace(d.Name)
	if name == "" {
		name = url
	}
	src, err = r.store.UpsertSource(ctx, SourceParams{
		URL:    url,
		Name:   name,
		Kind:   d.Kind,
		Parser: d.Parser,
		Active: true,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("register source %s: %w", url, err)
	}
	return src.ID, nil
}
