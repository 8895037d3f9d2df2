package bids

import (
	"path/filepath"
	"strings"
)

// BIDSURI converts path into a BIDS URI. Paths inside outDir become
// "bids::<rel>", paths inside a linked dataset become "bids:<key>:<rel>" with
// the shortest relative path winning, and anything else is returned as an
// absolute path. Existing BIDS URIs pass through unchanged.
func BIDSURI(path string, links map[string]string, outDir string) string {
	if strings.HasPrefix(path, "bids:") {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	bestKey, bestRel, found := "", "", false
	consider := func(key, root string) {
		if root == "" || strings.Contains(root, "://") {
			return
		}
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			return
		}
		rel, err := filepath.Rel(rootAbs, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return
		}
		if !found || len(rel) < len(bestRel) || (len(rel) == len(bestRel) && key < bestKey) {
			bestKey, bestRel, found = key, rel, true
		}
	}
	for key, root := range links {
		consider(key, root)
	}
	consider("", outDir)

	if !found {
		return abs
	}
	return "bids:" + bestKey + ":" + filepath.ToSlash(bestRel)
}

// BIDSURIs converts each path with BIDSURI.
func BIDSURIs(paths []string, links map[string]string, outDir string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		out = append(out, BIDSURI(p, links, outDir))
	}
	return out
}
