package bids

import (
	"context"
	"database/sql"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"smripostlinc/pkg/errors"
	"smripostlinc/pkg/logger"
)

// Match is the acceptance rule for one attribute in a query.
type Match struct {
	// Values lists acceptable values ("one of" semantics)
	Values []string
	// Absent also accepts files that lack the attribute entirely
	Absent bool
	// Any requires the attribute with any value
	Any bool
}

// Is matches any of the given values.
func Is(values ...string) Match { return Match{Values: values} }

// Absent matches files that do not carry the attribute.
func Absent() Match { return Match{Absent: true} }

// Present matches files that carry the attribute with any value.
func Present() Match { return Match{Any: true} }

// OrAbsent widens m to also accept files without the attribute.
func (m Match) OrAbsent() Match {
	m.Absent = true
	return m
}

// Filters maps attribute names to match rules. All rules must hold.
type Filters map[string]Match

// Clone returns a copy of f.
func (f Filters) Clone() Filters {
	out := make(Filters, len(f))
	for k, v := range f {
		v.Values = slices.Clone(v.Values)
		out[k] = v
	}
	return out
}

// skipDirs are never indexed.
var skipDirs = []string{"code", "derivatives", "sourcedata", "stimuli", "models"}

const layoutSchema = `
CREATE TABLE IF NOT EXISTS layout_info (
	root       TEXT PRIMARY KEY,
	indexed_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS files (
	path  TEXT PRIMARY KEY,
	dir   TEXT NOT NULL,
	depth INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS tags (
	path   TEXT NOT NULL REFERENCES files(path) ON DELETE CASCADE,
	entity TEXT NOT NULL,
	value  TEXT NOT NULL,
	PRIMARY KEY (path, entity)
);
CREATE INDEX IF NOT EXISTS idx_tags_entity_value ON tags(entity, value);
`

// LayoutOptions configures OpenLayout.
type LayoutOptions struct {
	// Schema defaults to DefaultSchema()
	Schema *Schema
	// DatabasePath persists the index; empty keeps it in memory
	DatabasePath string
	// Reindex ignores a persisted index for the same root
	Reindex bool
	Logger  *zap.SugaredLogger
}

// Layout is a queryable index of one dataset. It is safe for concurrent use.
type Layout struct {
	root   string
	db     *sql.DB
	schema *Schema
	desc   *Description
	log    *zap.SugaredLogger
}

// OpenLayout indexes the dataset at root. A missing dataset_description.json
// is tolerated here; callers that require one check Description().
func OpenLayout(ctx context.Context, root string, opts LayoutOptions) (*Layout, error) {
	log := logger.OrGlobal(opts.Logger)
	schema := opts.Schema
	if schema == nil {
		schema = DefaultSchema()
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving dataset root %s", root)
	}

	dsn := ":memory:"
	if opts.DatabasePath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.DatabasePath), 0755); err != nil {
			return nil, errors.Wrap(err, "creating layout database directory")
		}
		dsn = opts.DatabasePath
	}
	db, err := openDB(dsn, log)
	if err != nil {
		return nil, err
	}

	l := &Layout{root: abs, db: db, schema: schema, log: log}

	desc, err := ReadDescription(abs)
	if err == nil {
		l.desc = desc
	} else if !errors.HasType(err, (*errors.DatasetDescriptionMissing)(nil)) {
		db.Close()
		return nil, err
	}

	fresh, err := l.needsIndex(ctx, opts.Reindex)
	if err != nil {
		db.Close()
		return nil, err
	}
	if fresh {
		if err := l.index(ctx); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "indexing %s", abs)
		}
	} else {
		log.Debugw("Reusing layout index", "root", abs, "database", dsn)
	}
	return l, nil
}

func openDB(dsn string, log *zap.SugaredLogger) (*sql.DB, error) {
	log.Debugw("Opening layout database", "path", dsn)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open layout database")
	}
	// One connection keeps PRAGMAs and the in-memory database shared.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "failed to apply %q", pragma)
		}
	}
	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "failed to enable WAL mode")
		}
	}
	if _, err := db.Exec(layoutSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create layout tables")
	}
	return db, nil
}

func (l *Layout) needsIndex(ctx context.Context, reindex bool) (bool, error) {
	var root string
	err := l.db.QueryRowContext(ctx, "SELECT root FROM layout_info LIMIT 1").Scan(&root)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return true, nil
	case err != nil:
		return false, errors.Wrap(err, "reading layout info")
	}
	if root != l.root || reindex {
		if _, err := l.db.ExecContext(ctx, "DELETE FROM tags; DELETE FROM files; DELETE FROM layout_info;"); err != nil {
			return false, errors.Wrap(err, "clearing stale layout index")
		}
		return true, nil
	}
	return false, nil
}

func (l *Layout) index(ctx context.Context) error {
	walkRoot, err := filepath.EvalSymlinks(l.root)
	if err != nil {
		return err
	}
	ignore := readBidsignore(walkRoot)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	fileStmt, err := tx.PrepareContext(ctx, "INSERT INTO files (path, dir, depth) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer fileStmt.Close()
	tagStmt, err := tx.PrepareContext(ctx, "INSERT INTO tags (path, entity, value) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer tagStmt.Close()

	count := 0
	err = filepath.WalkDir(walkRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(walkRoot, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := d.Name()
		isDir := d.IsDir()
		if !isDir && d.Type()&fs.ModeSymlink != 0 {
			if info, statErr := os.Stat(path); statErr == nil {
				isDir = info.IsDir()
			}
		}
		if isDir {
			if strings.HasPrefix(name, ".") || (filepath.Dir(rel) == "." && slices.Contains(skipDirs, name)) || ignore.matchDir(name) {
				return filepath.SkipDir
			}
			return nil
		}
		if ignore.matchFile(name) {
			return nil
		}
		ents, ok := l.schema.Parse(path)
		if !ok {
			return nil
		}
		rel = filepath.ToSlash(rel)
		dir := filepath.ToSlash(filepath.Dir(rel))
		if _, err := fileStmt.ExecContext(ctx, rel, dir, strings.Count(rel, "/")); err != nil {
			return err
		}
		for k, v := range ents {
			if _, err := tagStmt.ExecContext(ctx, rel, k, v); err != nil {
				return err
			}
		}
		count++
		return nil
	})
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO layout_info (root, indexed_at) VALUES (?, ?)",
		l.root, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	l.log.Debugw("Indexed dataset", "root", l.root, "files", count)
	return nil
}

// Close releases the index.
func (l *Layout) Close() error {
	return l.db.Close()
}

// Root returns the absolute dataset root.
func (l *Layout) Root() string { return l.root }

// Schema returns the vocabulary the layout was indexed with.
func (l *Layout) Schema() *Schema { return l.schema }

// Description returns the dataset descriptor, or nil when the dataset has none.
func (l *Layout) Description() *Description { return l.desc }

// DatasetType returns the descriptor's DatasetType, or "" without descriptor.
func (l *Layout) DatasetType() string {
	if l.desc == nil {
		return ""
	}
	return l.desc.DatasetType
}

// Query returns the absolute paths of files matching all filters, in
// lexicographic order of their dataset-relative paths. Filters on
// attributes outside the schema are rejected.
func (l *Layout) Query(ctx context.Context, filters Filters) ([]string, error) {
	names := make([]string, 0, len(filters))
	for k := range filters {
		names = append(names, k)
	}
	if err := l.schema.Validate(names...); err != nil {
		return nil, err
	}
	sort.Strings(names)

	var where []string
	var args []any
	for _, name := range names {
		clause, clauseArgs := l.matchClause(name, filters[name])
		where = append(where, clause)
		args = append(args, clauseArgs...)
	}

	q := "SELECT f.path FROM files f"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY f.path"

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying layout")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var rel string
		if err := rows.Scan(&rel); err != nil {
			return nil, err
		}
		out = append(out, filepath.Join(l.root, filepath.FromSlash(rel)))
	}
	return out, rows.Err()
}

const (
	hasEntity   = "EXISTS (SELECT 1 FROM tags t WHERE t.path = f.path AND t.entity = ?)"
	lacksEntity = "NOT EXISTS (SELECT 1 FROM tags t WHERE t.path = f.path AND t.entity = ?)"
)

func (l *Layout) matchClause(name string, m Match) (string, []any) {
	if m.Any {
		return hasEntity, []any{name}
	}
	if len(m.Values) == 0 {
		if m.Absent {
			return lacksEntity, []any{name}
		}
		return "0", nil
	}

	args := []any{name}
	marks := make([]string, len(m.Values))
	for i, v := range m.Values {
		marks[i] = "?"
		args = append(args, l.normalize(name, v))
	}
	clause := "EXISTS (SELECT 1 FROM tags t WHERE t.path = f.path AND t.entity = ? AND t.value IN (" +
		strings.Join(marks, ", ") + "))"
	if m.Absent {
		clause = "(" + clause + " OR " + lacksEntity + ")"
		args = append(args, name)
	}
	return clause, args
}

func (l *Layout) normalize(name, value string) string {
	if name == EntityExtension && value != "" && !strings.HasPrefix(value, ".") {
		return "." + value
	}
	return l.schema.Normalize(name, value)
}

// Entities returns the indexed attributes of path. Paths outside the index
// are parsed directly.
func (l *Layout) Entities(ctx context.Context, path string) (Entities, error) {
	rel, err := l.rel(path)
	if err != nil {
		return nil, err
	}
	rows, err := l.db.QueryContext(ctx, "SELECT entity, value FROM tags WHERE path = ?", rel)
	if err != nil {
		return nil, errors.Wrap(err, "reading entities")
	}
	defer rows.Close()

	ents := Entities{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		ents[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ents) == 0 {
		if parsed, ok := l.schema.Parse(path); ok {
			return parsed, nil
		}
	}
	return ents, nil
}

func (l *Layout) rel(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return filepath.ToSlash(path), nil
	}
	rel, err := filepath.Rel(l.root, path)
	if err != nil {
		return "", errors.Wrapf(err, "%s is not inside %s", path, l.root)
	}
	return filepath.ToSlash(rel), nil
}

// GetNearest returns the file matching filters that sits closest to path,
// searching path's directory first and then each parent up to the root.
// Within one directory the candidate sharing the most attribute values with
// path wins. With strict set, a candidate may only carry attributes whose
// values equal path's. It returns "" when nothing matches.
func (l *Layout) GetNearest(ctx context.Context, path string, filters Filters, strict bool) (string, error) {
	src, err := l.Entities(ctx, path)
	if err != nil {
		return "", err
	}
	candidates, err := l.Query(ctx, filters)
	if err != nil {
		return "", err
	}

	byDir := map[string][]string{}
	for _, c := range candidates {
		if c == path {
			continue
		}
		byDir[filepath.Dir(c)] = append(byDir[filepath.Dir(c)], c)
	}

	for dir := filepath.Dir(path); ; dir = filepath.Dir(dir) {
		best, bestScore := "", -1
		for _, c := range byDir[dir] {
			ents, err := l.Entities(ctx, c)
			if err != nil {
				return "", err
			}
			score, ok := nearestScore(src, ents, filters, strict)
			if ok && score > bestScore {
				best, bestScore = c, score
			}
		}
		if best != "" {
			return best, nil
		}
		if dir == l.root || !strings.HasPrefix(dir, l.root) || dir == filepath.Dir(dir) {
			return "", nil
		}
	}
}

func nearestScore(src, cand Entities, filters Filters, strict bool) (int, bool) {
	score := 0
	for k, v := range cand {
		if k == EntityExtension {
			continue
		}
		if _, filtered := filters[k]; filtered {
			continue
		}
		sv, ok := src[k]
		switch {
		case ok && sv == v:
			score++
		case strict:
			return 0, false
		}
	}
	return score, true
}

// GetMetadata merges the JSON sidecars that apply to path under the
// inheritance principle: sidecars in path's directory or any parent, with
// the same suffix and a subset of path's attributes. Deeper and more
// specific sidecars override shallower ones.
func (l *Layout) GetMetadata(ctx context.Context, path string) (map[string]any, error) {
	src, err := l.Entities(ctx, path)
	if err != nil {
		return nil, err
	}
	suffix, ok := src[EntitySuffix]
	if !ok {
		return map[string]any{}, nil
	}
	candidates, err := l.Query(ctx, Filters{EntityExtension: Is(".json"), EntitySuffix: Is(suffix)})
	if err != nil {
		return nil, err
	}

	type sidecar struct {
		path  string
		depth int
		ents  int
	}
	var applicable []sidecar
	for _, c := range candidates {
		if c == path || !isAncestorDir(filepath.Dir(c), filepath.Dir(path)) {
			continue
		}
		ents, err := l.Entities(ctx, c)
		if err != nil {
			return nil, err
		}
		if _, ok := nearestScore(src, ents, Filters{EntityDatatype: {}}, true); !ok {
			continue
		}
		applicable = append(applicable, sidecar{path: c, depth: strings.Count(c, string(filepath.Separator)), ents: len(ents)})
	}
	sort.SliceStable(applicable, func(i, j int) bool {
		if applicable[i].depth != applicable[j].depth {
			return applicable[i].depth < applicable[j].depth
		}
		return applicable[i].ents < applicable[j].ents
	})

	merged := map[string]any{}
	for _, sc := range applicable {
		data, err := os.ReadFile(sc.path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading sidecar %s", sc.path)
		}
		var meta map[string]any
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, errors.Wrapf(err, "parsing sidecar %s", sc.path)
		}
		for k, v := range meta {
			merged[k] = v
		}
	}
	return merged, nil
}

func isAncestorDir(ancestor, dir string) bool {
	rel, err := filepath.Rel(ancestor, dir)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Values returns the distinct values of an attribute across the dataset,
// ordered by the schema.
func (l *Layout) Values(ctx context.Context, entity string) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, "SELECT DISTINCT value FROM tags WHERE entity = ?", entity)
	if err != nil {
		return nil, errors.Wrap(err, "listing entity values")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return l.schema.Less(entity, out[i], out[j]) })
	return out, rows.Err()
}
