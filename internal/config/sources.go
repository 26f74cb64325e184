package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/allocsync/internal/core"
)

// sourcesFile is the on-disk layout of SOURCES_FILE.
type sourcesFile struct {
	Sources []sourceEntry `yaml:"sources"`
}

type sourceEntry struct {
	Name           string         `yaml:"name"`
	URL            string         `yaml:"url"`
	Kind           string         `yaml:"kind"`
	Parser         string         `yaml:"parser"`
	Active         *bool          `yaml:"active"`
	Jurisdiction   jurisdiction   `yaml:"jurisdiction"`
	RegionMetadata map[string]any `yaml:"region_metadata"`
}

type jurisdiction struct {
	Name string `yaml:"name"`
	Code string `yaml:"code"`
}

// LoadSources reads and validates the source definitions at path.
func LoadSources(path string) ([]core.SourceConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sources file: %w", err)
	}
	defer f.Close()

	sources, err := ParseSources(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sources, nil
}

// ParseSources decodes source definitions from r. Parser keys are checked
// against the core parser registry, so parsers must be registered first.
// Entries omit "active" to mean active, and omit "kind" to mean state_portal.
func ParseSources(r io.Reader) ([]core.SourceConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read sources: %w", err)
	}

	var file sourcesFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode sources: %w", err)
	}

	var errs []string
	seen := make(map[string]int)
	out := make([]core.SourceConfig, 0, len(file.Sources))

	for i, e := range file.Sources {
		label := fmt.Sprintf("sources[%d]", i)
		name := strings.TrimSpace(e.Name)
		if name != "" {
			label = fmt.Sprintf("sources[%d] (%s)", i, name)
		}

		if name == "" {
			errs = append(errs, label+": name is required")
		} else if prev, dup := seen[strings.ToLower(name)]; dup {
			errs = append(errs, fmt.Sprintf("%s: duplicate name, first defined at sources[%d]", label, prev))
		} else {
			seen[strings.ToLower(name)] = i
		}

		url := strings.TrimSpace(e.URL)
		if url == "" {
			errs = append(errs, label+": url is required")
		}

		code := core.NormalizeCode(e.Jurisdiction.Code)
		if code == "" {
			errs = append(errs, label+": jurisdiction.code is required")
		}

		kind := strings.TrimSpace(e.Kind)
		if kind == "" {
			kind = core.KindStatePortal
		}
		switch kind {
		case core.KindStatePortal:
			if _, ok := core.Get(e.Parser); !ok {
				errs = append(errs, fmt.Sprintf("%s: unknown parser %q", label, e.Parser))
			}
		case core.KindPDF:
		default:
			errs = append(errs, fmt.Sprintf("%s: unknown kind %q", label, kind))
		}

		active := true
		if e.Active != nil {
			active = *e.Active
		}

		out = append(out, core.SourceConfig{
			SourceDescriptor: core.SourceDescriptor{
				URL:    url,
				Name:   name,
				Kind:   kind,
				Parser: strings.TrimSpace(e.Parser),
			},
			Jurisdiction: core.JurisdictionRef{
				Name: strings.TrimSpace(e.Jurisdiction.Name),
				Code: code,
			},
			RegionMetadata: e.RegionMetadata,
			Active:         active,
		})
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid sources:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return out, nil
}
