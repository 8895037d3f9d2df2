// Package derivatives resolves the query specification against a subject's
// raw and derivative datasets and assembles the anatomical cache.
package derivatives

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"smripostlinc/pkg/bids"
	"smripostlinc/pkg/errors"
	"smripostlinc/pkg/logger"
	"smripostlinc/pkg/queryspec"
)

// ContextEntities are the attributes of the anchoring files that constrain
// every query.
var ContextEntities = []string{"subject", "session", "run"}

// Dataset is a derivatives dataset given either as an open layout or as a
// path to be opened (and closed) by Collect.
type Dataset struct {
	Path   string
	Layout *bids.Layout
}

// SpatialReference is a requested output space with optional extra
// attributes, written "MNI152NLin6Asym:res-2".
type SpatialReference struct {
	Space string
	Spec  map[string]string
}

// ParseSpatialReference parses "<space>[:<key>-<value>...]".
func ParseSpatialReference(s string) (SpatialReference, error) {
	parts := strings.Split(s, ":")
	ref := SpatialReference{Space: parts[0]}
	if ref.Space == "" {
		return ref, errors.Mark(errors.Newf("empty output space in %q", s), errors.ErrConfiguration)
	}
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "-")
		if !ok || k == "" || v == "" {
			return ref, errors.Mark(errors.Newf("malformed output space modifier %q in %q", p, s), errors.ErrConfiguration)
		}
		if ref.Spec == nil {
			ref.Spec = map[string]string{}
		}
		ref.Spec[k] = v
	}
	return ref, nil
}

func (r SpatialReference) String() string {
	var b strings.Builder
	b.WriteString(r.Space)
	for _, k := range []string{"cohort", "res", "den"} {
		if v, ok := r.Spec[k]; ok {
			b.WriteString(":" + k + "-" + v)
		}
	}
	return b.String()
}

// Request holds the inputs of Collect.
type Request struct {
	// Raw is optional; queries with source "raw" resolve against it
	Raw *bids.Layout
	// Derivatives is the preprocessed dataset
	Derivatives Dataset
	// Entities is the context of the anchoring files
	Entities bids.EntitySet
	Spec     *queryspec.Spec
	// AllowMultiple returns every match for queries with auto cardinality
	AllowMultiple bool
	// Spaces are requested standard output spaces; nil skips the search
	Spaces []SpatialReference
	// LayoutOptions are used when Derivatives is given as a path
	LayoutOptions bids.LayoutOptions
	Logger        *zap.SugaredLogger
}

// Collect resolves every query of req.Spec. Zero matches leave the
// key absent; several matches follow the query's cardinality policy. When
// Spaces is set, it looks for outputs already in each space and falls back
// to transforms into those spaces.
func Collect(ctx context.Context, req Request) (*Cache, error) {
	log := logger.OrGlobal(req.Logger)
	if req.Spec == nil {
		return nil, errors.Mark(errors.New("no query specification"), errors.ErrConfiguration)
	}
	cache := NewCache(req.Spec.ResultKeys(req.Spaces != nil)...)

	layout := req.Derivatives.Layout
	if layout == nil && req.Derivatives.Path != "" {
		desc, err := bids.ReadDescription(req.Derivatives.Path)
		if err != nil {
			return nil, err
		}
		if desc.DatasetType != bids.DatasetDerivative {
			log.Infow("Dataset is not a derivatives dataset; nothing to collect",
				"path", req.Derivatives.Path, "type", desc.DatasetType)
			return cache, nil
		}
		opts := req.LayoutOptions
		opts.Logger = log
		layout, err = bids.OpenLayout(ctx, req.Derivatives.Path, opts)
		if err != nil {
			return nil, err
		}
		defer layout.Close()
	}

	r := &resolver{req: req, deriv: layout, log: log}
	for _, q := range req.Spec.Queries() {
		if err := r.resolve(ctx, q, cache); err != nil {
			return nil, err
		}
	}

	if req.Spaces != nil {
		if err := r.resolveSpaces(ctx, cache); err != nil {
			return nil, err
		}
	}
	return cache, nil
}

// AnchorQuery names the raw query that lists a subject's anatomical images.
const AnchorQuery = "t1w"

// AnatomicalImages lists every raw anatomical image of the subject in
// entities, whatever the cardinality of the anchor query. Each image
// anchors its own derivatives lookup. No images is a MissingSubjectData
// error.
func AnatomicalImages(ctx context.Context, raw *bids.Layout, spec *queryspec.Spec, entities bids.EntitySet) ([]string, error) {
	q, ok := spec.Lookup(AnchorQuery)
	if !ok || q.Source != queryspec.FromRaw {
		return nil, errors.Mark(
			errors.Newf("query specification has no raw %q query", AnchorQuery), errors.ErrConfiguration)
	}
	matches, err := raw.Query(ctx, EffectiveFilters(entities, q))
	if err != nil {
		return nil, errors.Wrapf(err, "query %s", q.Name)
	}
	if len(matches) == 0 {
		subject, _ := entities.Scalar("subject")
		return nil, &errors.MissingSubjectData{
			Subject: subject,
			What:    "no anatomical images in " + raw.Root(),
		}
	}
	return matches, nil
}

type resolver struct {
	req   Request
	deriv *bids.Layout
	log   *zap.SugaredLogger
}

func (r *resolver) layoutFor(q queryspec.Query) *bids.Layout {
	if q.Source == queryspec.FromRaw {
		return r.req.Raw
	}
	return r.deriv
}

// BasePredicate merges the entity context with the query's fixed predicate.
// Fixed values always win.
func BasePredicate(entities bids.EntitySet, q queryspec.Query) bids.Filters {
	f := bids.Filters{}
	for _, name := range ContextEntities {
		if v, ok := entities.Get(name); ok {
			f[name] = bids.Is(v...)
		}
	}
	for k, m := range q.Predicate {
		f[k] = m
	}
	return f
}

// ApplyOverride adjusts a base predicate for the query's category.
// Anatomical derivatives are computed once per subject or session, so the
// run of the anchoring file does not constrain them. They may also be
// shared across sessions: the session constraint widens to "the context
// session or none". Attributes the query fixes itself are kept.
func ApplyOverride(f bids.Filters, entities bids.EntitySet, q queryspec.Query) bids.Filters {
	if q.Category != queryspec.Anatomical {
		return f
	}
	out := f.Clone()
	if _, fixed := q.Predicate["run"]; !fixed {
		delete(out, "run")
	}
	if _, fixed := q.Predicate["session"]; fixed {
		return out
	}
	if v, ok := entities.Get("session"); ok {
		out["session"] = bids.Is(v...).OrAbsent()
	} else {
		out["session"] = bids.Absent()
	}
	return out
}

// EffectiveFilters is BasePredicate followed by ApplyOverride.
func EffectiveFilters(entities bids.EntitySet, q queryspec.Query) bids.Filters {
	return ApplyOverride(BasePredicate(entities, q), entities, q)
}

func (r *resolver) resolve(ctx context.Context, q queryspec.Query, cache *Cache) error {
	layout := r.layoutFor(q)
	if layout == nil {
		r.log.Debugw("No dataset for query", "query", q.Name, "source", q.Source)
		return nil
	}
	matches, err := layout.Query(ctx, EffectiveFilters(r.req.Entities, q))
	if err != nil {
		return errors.Wrapf(err, "query %s", q.Name)
	}
	return r.apply(q, matches, cache)
}

func (r *resolver) apply(q queryspec.Query, matches []string, cache *Cache) error {
	switch {
	case len(matches) == 0:
		return nil
	case q.Cardinality == queryspec.All:
		cache.SetPaths(q.Name, matches)
	case len(matches) == 1:
		cache.SetPath(q.Name, matches[0])
	case q.Cardinality == queryspec.First:
		cache.SetPath(q.Name, matches[0])
	case r.req.AllowMultiple:
		cache.SetPaths(q.Name, matches)
	case q.Category == queryspec.Anatomical:
		r.log.Warnw("Multiple anatomical derivatives found; using the first",
			"query", q.Name, "selected", matches[0], "matches", len(matches))
		cache.SetPath(q.Name, matches[0])
	default:
		return &errors.AmbiguousDerivative{Query: q.Name, Matches: matches}
	}
	return nil
}

func (r *resolver) first(ctx context.Context, q queryspec.Query, override bids.Filters) (string, error) {
	layout := r.layoutFor(q)
	if layout == nil {
		return "", nil
	}
	f := EffectiveFilters(r.req.Entities, q)
	for k, m := range override {
		f[k] = m
	}
	matches, err := layout.Query(ctx, f)
	if err != nil || len(matches) == 0 {
		return "", err
	}
	return matches[0], nil
}

func (r *resolver) resolveSpaces(ctx context.Context, cache *Cache) error {
	spaces := r.req.Spec.OutputSpaces
	image, hasImage := r.req.Spec.Lookup(spaces.Image)
	mask, hasMask := r.req.Spec.Lookup(spaces.Mask)
	xfm, hasXfm := r.req.Spec.Lookup(spaces.Transform)

	if hasImage && hasMask {
		images := make([]string, len(r.req.Spaces))
		masks := make([]string, len(r.req.Spaces))
		allFound := true
		for i, ref := range r.req.Spaces {
			override := spaceOverride("space", ref)
			var err error
			if images[i], err = r.first(ctx, image, override); err != nil {
				return err
			}
			if masks[i], err = r.first(ctx, mask, override); err != nil {
				return err
			}
			allFound = allFound && images[i] != "" && masks[i] != ""
		}
		if allFound {
			cache.SetPaths(spaces.ImageKey, images)
			cache.SetPaths(spaces.MaskKey, masks)
			return nil
		}
		r.log.Infow("Not all requested output spaces were found; looking for transforms to them")
	}

	var missing []string
	xfms := make([]string, len(r.req.Spaces))
	for i, ref := range r.req.Spaces {
		if hasXfm {
			var err error
			if xfms[i], err = r.first(ctx, xfm, bids.Filters{"to": bids.Is(ref.Space)}); err != nil {
				return err
			}
		}
		if xfms[i] == "" {
			missing = append(missing, ref.Space)
		}
	}
	if len(missing) > 0 {
		return &errors.MissingSpaceTransform{Spaces: missing}
	}
	cache.SetPaths(spaces.TransformKey, xfms)
	return nil
}

func spaceOverride(entity string, ref SpatialReference) bids.Filters {
	f := bids.Filters{entity: bids.Is(ref.Space)}
	for k, v := range ref.Spec {
		f[k] = bids.Is(v)
	}
	return f
}
