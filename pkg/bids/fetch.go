package bids

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	getter "github.com/hashicorp/go-getter"

	"smripostlinc/pkg/errors"
)

// FetchDataset returns a local directory holding the dataset at src. Local
// paths are returned as absolute paths. Anything else (https, git::, s3::
// and the other go-getter sources) is downloaded into dst, which is reused
// when it already holds a dataset description.
func FetchDataset(ctx context.Context, src, dst string) (string, error) {
	if isLocalSource(src) {
		abs, err := filepath.Abs(src)
		if err != nil {
			return "", errors.Wrapf(err, "resolving %s", src)
		}
		return abs, nil
	}

	if _, err := os.Stat(filepath.Join(dst, DescriptionFile)); err == nil {
		return dst, nil
	}

	client := &getter.Client{
		Ctx:  ctx,
		Src:  src,
		Dst:  dst,
		Mode: getter.ClientModeDir,
	}
	if err := client.Get(); err != nil {
		return "", errors.WithHint(
			errors.Wrapf(err, "fetching dataset %s", src),
			"check the URL or download the dataset and pass a local path")
	}
	return dst, nil
}

func isLocalSource(src string) bool {
	if strings.Contains(src, "::") || strings.Contains(src, "://") {
		return false
	}
	if filepath.IsAbs(src) || strings.HasPrefix(src, ".") {
		return true
	}
	_, err := os.Stat(src)
	return err == nil
}
