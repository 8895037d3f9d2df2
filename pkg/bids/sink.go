package bids

import (
	"context"
	"encoding/json"
	"path/filepath"

	"go.uber.org/zap"

	"smripostlinc/pkg/errors"
	"smripostlinc/pkg/logger"
)

// Artifact is one file handed to the Sink.
type Artifact struct {
	// Path is the produced file, typically inside a task work directory
	Path string
	// Entities name the output; keys must belong to the sink's schema
	Entities Entities
	// Sources are the inputs the artifact was derived from
	Sources []string
	// Metadata is written to the JSON sidecar together with Sources
	Metadata map[string]any
}

// SinkOptions configures NewSink.
type SinkOptions struct {
	OutputDir string
	// Patterns default to DefaultPathPatterns
	Patterns []string
	Schema   *Schema
	// DatasetLinks maps dataset keys to roots, for Sources URIs
	DatasetLinks map[string]string
	Logger       *zap.SugaredLogger
}

// Sink writes artifacts into the output dataset. Files are staged next to
// their destination and renamed, never written in place.
type Sink struct {
	outDir   string
	patterns []*PathPattern
	schema   *Schema
	links    map[string]string
	log      *zap.SugaredLogger
}

// NewSink parses the path patterns and returns a Sink.
func NewSink(opts SinkOptions) (*Sink, error) {
	if opts.OutputDir == "" {
		return nil, errors.Mark(errors.New("sink needs an output directory"), errors.ErrConfiguration)
	}
	raw := opts.Patterns
	if len(raw) == 0 {
		raw = DefaultPathPatterns
	}
	schema := opts.Schema
	if schema == nil {
		schema = DefaultSchema()
	}
	s := &Sink{
		outDir: opts.OutputDir,
		schema: schema,
		links:  opts.DatasetLinks,
		log:    logger.OrGlobal(opts.Logger),
	}
	for _, r := range raw {
		p, err := ParsePathPattern(r)
		if err != nil {
			return nil, errors.Mark(err, errors.ErrConfiguration)
		}
		if err := schema.Validate(p.Names()...); err != nil {
			return nil, errors.Wrapf(err, "path pattern %q", r)
		}
		s.patterns = append(s.patterns, p)
	}
	return s, nil
}

// OutputDir returns the root of the output dataset.
func (s *Sink) OutputDir() string { return s.outDir }

// Path returns the output path ents would be written to, relative to the
// output root.
func (s *Sink) Path(ents Entities) (string, error) {
	names := make([]string, 0, len(ents))
	for k := range ents {
		names = append(names, k)
	}
	if err := s.schema.Validate(names...); err != nil {
		return "", err
	}
	return BuildPath(s.patterns, ents)
}

// Save copies the artifact to its output path and writes the JSON sidecar
// when there is metadata or provenance to record. It returns the absolute
// output path.
func (s *Sink) Save(ctx context.Context, a Artifact) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rel, err := s.Path(a.Entities)
	if err != nil {
		return "", errors.Wrapf(err, "naming %s", filepath.Base(a.Path))
	}
	dst := filepath.Join(s.outDir, filepath.FromSlash(rel))
	if err := CopyFileAtomic(a.Path, dst); err != nil {
		return "", err
	}

	sources := BIDSURIs(a.Sources, s.links, s.outDir)
	if (len(a.Metadata) > 0 || len(sources) > 0) && a.Entities[EntityExtension] != ".json" {
		meta := make(map[string]any, len(a.Metadata)+1)
		for k, v := range a.Metadata {
			meta[k] = v
		}
		if len(sources) > 0 {
			meta["Sources"] = sources
		}
		data, err := json.MarshalIndent(meta, "", "  ")
		if err != nil {
			return "", errors.Wrap(err, "encoding sidecar")
		}
		sidecar := sidecarPath(dst)
		if err := writeFileAtomic(sidecar, append(data, '\n'), 0644); err != nil {
			return "", err
		}
	}

	s.log.Debugw("Saved derivative", "path", rel)
	return dst, nil
}

func sidecarPath(path string) string {
	dir, base := filepath.Split(path)
	stem, _ := splitExtension(base)
	return filepath.Join(dir, stem+".json")
}
