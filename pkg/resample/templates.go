package resample

import (
	"context"

	"go.uber.org/zap"

	"smripostlinc/internal/models"
	"smripostlinc/pkg/bids"
	"smripostlinc/pkg/errors"
	"smripostlinc/pkg/logger"
)

// TemplateSchema extends the default vocabulary with the TemplateFlow
// "tpl" entity.
var TemplateSchema = bids.DefaultSchema().Extend(bids.Entity{Name: "template", Key: "tpl"})

// Templates resolves surface templates from a TemplateFlow-style tree
// (tpl-<name>/tpl-<name>_..._<suffix>.surf.gii).
type Templates struct {
	layout *bids.Layout
	log    *zap.SugaredLogger
}

// OpenTemplates indexes the template directory at root.
func OpenTemplates(ctx context.Context, root string, opts bids.LayoutOptions) (*Templates, error) {
	opts.Schema = TemplateSchema
	opts.Logger = logger.OrGlobal(opts.Logger)
	layout, err := bids.OpenLayout(ctx, root, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "indexing templates at %s", root)
	}
	return &Templates{layout: layout, log: opts.Logger}, nil
}

// Close releases the index.
func (t *Templates) Close() error { return t.layout.Close() }

// Root returns the template directory.
func (t *Templates) Root() string { return t.layout.Root() }

// Get returns the single surface file of template matching filters. Several
// matches resolve to the first one with a warning.
func (t *Templates) Get(ctx context.Context, template string, filters bids.Filters) (string, error) {
	f := filters.Clone()
	f["template"] = bids.Is(template)
	if _, ok := f[bids.EntityExtension]; !ok {
		f[bids.EntityExtension] = bids.Is(".surf.gii")
	}
	matches, err := t.layout.Query(ctx, f)
	if err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", errors.Mark(
			errors.Newf("template %s has no file matching %v", template, filters),
			errors.ErrMissingData)
	case 1:
	default:
		t.log.Warnw("Several template files match; using the first", "template", template, "matches", matches)
	}
	return matches[0], nil
}

// FsaverageSphere is the fsaverage registration sphere of hemisphere h.
func (t *Templates) FsaverageSphere(ctx context.Context, h models.Hemisphere, den string) (string, error) {
	return t.Get(ctx, "fsaverage", bids.Filters{
		"hemi":            bids.Is(h.String()),
		"den":             bids.Is(den),
		"space":           bids.Absent(),
		bids.EntitySuffix: bids.Is("sphere"),
	})
}

// FsLRSphere is the fsLR sphere registered to fsaverage.
func (t *Templates) FsLRSphere(ctx context.Context, h models.Hemisphere, den string) (string, error) {
	return t.Get(ctx, "fsLR", bids.Filters{
		"hemi":            bids.Is(h.String()),
		"den":             bids.Is(den),
		"space":           bids.Is("fsaverage"),
		bids.EntitySuffix: bids.Is("sphere"),
	})
}

// MNIMidthickness is the fsaverage midthickness surface expressed in
// MNI152NLin6Asym coordinates, used to sample volumetric atlases.
func (t *Templates) MNIMidthickness(ctx context.Context, h models.Hemisphere, den string) (string, error) {
	return t.Get(ctx, "fsaverage", bids.Filters{
		"hemi":            bids.Is(h.String()),
		"den":             bids.Is(den),
		"space":           bids.Is(models.SpaceMNI152NLin6Asym.String()),
		bids.EntitySuffix: bids.Is("midthickness"),
	})
}
