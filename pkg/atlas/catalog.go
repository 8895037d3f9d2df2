// Package atlas builds the atlas catalog: it matches requested atlas names
// against BIDS-Atlas datasets, validates the companion labels tables and
// classifies each atlas's format and space.
//
// The catalog is built once per run, before any subject is processed, and
// is only read afterwards, so it can be shared between subjects without
// locking.
package atlas

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"

	"smripostlinc/internal/models"
	"smripostlinc/pkg/bids"
	"smripostlinc/pkg/errors"
	"smripostlinc/pkg/logger"
)

// Dataset is a candidate atlas dataset. Path may be a local directory or
// any source go-getter understands; Layout, when set, is used as is.
type Dataset struct {
	Key    string
	Path   string
	Layout *bids.Layout
}

// Options configure Collect.
type Options struct {
	// Datasets are searched in order
	Datasets []Dataset
	// Names are the requested atlases
	Names []string
	// Filters are extra constraints on atlas images
	Filters bids.Filters
	// WorkDir receives fetched remote datasets
	WorkDir       string
	LayoutOptions bids.LayoutOptions
	Logger        *zap.SugaredLogger
}

// Catalog maps atlas names to resolved atlases.
type Catalog struct {
	atlases    []*models.Atlas
	byName     map[string]*models.Atlas
	unresolved []string
}

// Atlases returns the resolved atlases in request order.
func (c *Catalog) Atlases() []*models.Atlas { return slices.Clone(c.atlases) }

// Get returns the atlas resolved for name.
func (c *Catalog) Get(name string) (*models.Atlas, bool) {
	a, ok := c.byName[name]
	return a, ok
}

// Names returns the resolved atlas names in request order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.atlases))
	for i, a := range c.atlases {
		names[i] = a.Name
	}
	return names
}

// Unresolved lists requested names no dataset provided.
func (c *Catalog) Unresolved() []string { return slices.Clone(c.unresolved) }

// Len returns the number of resolved atlases.
func (c *Catalog) Len() int { return len(c.atlases) }

// sidecarExtensions never identify an atlas image.
var sidecarExtensions = []string{".json", ".tsv"}

// Collect resolves each requested atlas name against the atlas-type
// datasets. A name found in no dataset is reported and left out; a name
// found in two datasets is a DuplicateAtlas error. Every resolved atlas
// must have a labels table with "index" and "label" columns.
func Collect(ctx context.Context, opts Options) (*Catalog, error) {
	log := logger.OrGlobal(opts.Logger)
	cat := &Catalog{byName: map[string]*models.Atlas{}}
	found := map[string][]string{}

	for _, ds := range opts.Datasets {
		layout, closeFn, err := openDataset(ctx, ds, opts, log)
		if err != nil {
			return nil, err
		}
		if layout == nil {
			continue
		}
		err = collectFrom(ctx, layout, ds.Key, opts, cat, found, log)
		closeFn()
		if err != nil {
			return nil, err
		}
	}

	for _, name := range opts.Names {
		if len(found[name]) > 1 {
			return nil, &errors.DuplicateAtlas{Atlas: name, Datasets: found[name]}
		}
	}

	// keep request order
	ordered := make([]*models.Atlas, 0, len(cat.byName))
	for _, name := range opts.Names {
		if a, ok := cat.byName[name]; ok {
			if !slices.Contains(ordered, a) {
				ordered = append(ordered, a)
			}
			continue
		}
		cat.unresolved = append(cat.unresolved, name)
		log.Warnw("No atlas images found", "atlas", name, "spaces", spaceNames())
	}
	cat.atlases = ordered

	for _, a := range cat.atlases {
		regions, err := ReadLabels(a.Name, a.Labels)
		if err != nil {
			return nil, err
		}
		a.Regions = regions
		log.Infow("Loaded atlas", "atlas", a.Name, "dataset", a.Dataset,
			"space", a.Space, "format", a.Format, "regions", len(regions))
	}
	return cat, nil
}

func spaceNames() []string {
	names := make([]string, len(models.AtlasSpaces))
	for i, s := range models.AtlasSpaces {
		names[i] = s.String()
	}
	return names
}

func openDataset(ctx context.Context, ds Dataset, opts Options, log *zap.SugaredLogger) (*bids.Layout, func(), error) {
	noop := func() {}
	if ds.Layout != nil {
		if ds.Layout.DatasetType() != bids.DatasetAtlas {
			log.Debugw("Skipping non-atlas dataset", "dataset", ds.Key, "type", ds.Layout.DatasetType())
			return nil, noop, nil
		}
		return ds.Layout, noop, nil
	}

	root, err := bids.FetchDataset(ctx, ds.Path, filepath.Join(opts.WorkDir, "atlases", ds.Key))
	if err != nil {
		return nil, noop, err
	}
	desc, err := bids.ReadDescription(root)
	if errors.HasType(err, (*errors.DatasetDescriptionMissing)(nil)) {
		log.Warnw("Skipping dataset without description", "dataset", ds.Key, "path", root)
		return nil, noop, nil
	}
	if err != nil {
		return nil, noop, err
	}
	if desc.DatasetType != bids.DatasetAtlas {
		log.Debugw("Skipping non-atlas dataset", "dataset", ds.Key, "type", desc.DatasetType)
		return nil, noop, nil
	}

	lopts := opts.LayoutOptions
	lopts.Logger = log
	if lopts.DatabasePath != "" {
		lopts.DatabasePath = filepath.Join(filepath.Dir(lopts.DatabasePath), "atlas-"+ds.Key+".sqlite")
	}
	layout, err := bids.OpenLayout(ctx, root, lopts)
	if err != nil {
		return nil, noop, err
	}
	return layout, func() { layout.Close() }, nil
}

func collectFrom(ctx context.Context, layout *bids.Layout, key string, opts Options,
	cat *Catalog, found map[string][]string, log *zap.SugaredLogger) error {
	for _, name := range opts.Names {
		filters := opts.Filters.Clone()
		filters["atlas"] = bids.Is(name)
		filters["space"] = bids.Is(spaceNames()...)

		matches, err := layout.Query(ctx, filters)
		if err != nil {
			return errors.Wrapf(err, "querying atlas %s in %s", name, key)
		}
		images := matches[:0]
		for _, m := range matches {
			if !isSidecar(m) {
				images = append(images, m)
			}
		}
		if len(images) == 0 {
			continue
		}

		found[name] = append(found[name], key)
		if _, dup := cat.byName[name]; dup {
			continue
		}

		a, err := resolve(ctx, layout, key, name, images, log)
		if err != nil {
			return err
		}
		cat.byName[name] = a
	}
	return nil
}

func isSidecar(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range sidecarExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func resolve(ctx context.Context, layout *bids.Layout, key, name string, images []string, log *zap.SugaredLogger) (*models.Atlas, error) {
	image := images[0]
	ents, err := layout.Entities(ctx, image)
	if err != nil {
		return nil, err
	}
	a := &models.Atlas{
		Name:    name,
		Dataset: key,
		Image:   image,
		Space:   models.ParseSpace(ents["space"]),
		Density: ents["den"],
		Format:  models.ClassifyFormat(image),
	}

	candidates := images
	if a.Format == models.FormatSurfaceGifti {
		var err error
		if candidates, err = pairHemispheres(ctx, layout, a, images); err != nil {
			return nil, err
		}
	}
	if len(candidates) > 1 {
		log.Warnw("Multiple atlas images found; using the first",
			"atlas", name, "dataset", key, "selected", image, "matches", candidates)
	}

	labels, err := layout.GetNearest(ctx, image, bids.Filters{
		bids.EntityExtension: bids.Is(".tsv"),
		"atlas":              bids.Is(name),
	}, false)
	if err != nil {
		return nil, err
	}
	if labels == "" {
		return nil, &errors.MissingLabelsFile{Atlas: name, Image: image}
	}
	a.Labels = labels

	a.Metadata = map[string]any{}
	sidecar, err := layout.GetNearest(ctx, image, bids.Filters{bids.EntityExtension: bids.Is(".json")}, true)
	if err != nil {
		return nil, err
	}
	if sidecar != "" {
		if a.Metadata, err = readMetadata(sidecar); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// readMetadata loads one sidecar. Atlas sidecars are not merged under the
// inheritance principle; the nearest one is used alone.
func readMetadata(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading atlas metadata %s", path)
	}
	meta := map[string]any{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "parsing atlas metadata %s", path), errors.ErrConfiguration)
	}
	return meta, nil
}

// pairHemispheres picks the first surface image of each hemisphere. The
// returned slice holds the images that were passed over, for the ambiguity
// warning.
func pairHemispheres(ctx context.Context, layout *bids.Layout, a *models.Atlas, images []string) ([]string, error) {
	a.HemiImages = map[models.Hemisphere]string{}
	var perHemi []string
	for _, img := range images {
		if models.ClassifyFormat(img) != models.FormatSurfaceGifti {
			continue
		}
		ents, err := layout.Entities(ctx, img)
		if err != nil {
			return nil, err
		}
		h, ok := models.ParseHemisphere(ents["hemi"])
		if !ok || models.ParseSpace(ents["space"]) != a.Space {
			continue
		}
		if _, taken := a.HemiImages[h]; !taken {
			a.HemiImages[h] = img
		} else {
			perHemi = append(perHemi, img)
		}
	}
	for _, h := range models.Hemispheres {
		if _, ok := a.HemiImages[h]; !ok {
			return nil, &errors.MissingHemisphere{Atlas: a.Name, Hemisphere: h.String()}
		}
	}
	a.Image = a.HemiImages[models.Left]
	if len(perHemi) == 0 {
		return nil, nil
	}
	return append([]string{a.Image}, perHemi...), nil
}
