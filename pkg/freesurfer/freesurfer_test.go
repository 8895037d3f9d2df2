package freesurfer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"smripostlinc/internal/models"
	"smripostlinc/pkg/errors"
	"smripostlinc/pkg/runner"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestFindSubjectDir(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"sub-01", "02", "sub-03_ses-A", "sub-04_ses-B.long.sub-04", "sub-04"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0755))
	}

	cases := []struct {
		subject, session, want string
	}{
		{"01", "", "sub-01"},
		{"sub-01", "X", "sub-01"},
		{"02", "", "02"},
		{"03", "A", "sub-03_ses-A"},
		{"04", "ses-B", "sub-04_ses-B.long.sub-04"},
		{"04", "", "sub-04"},
	}
	for _, c := range cases {
		got, err := FindSubjectDir(root, c.subject, c.session)
		require.NoError(t, err, "%s/%s", c.subject, c.session)
		assert.Equal(t, filepath.Join(root, c.want), got)
	}

	_, err := FindSubjectDir(root, "99", "")
	assert.True(t, errors.IsMissingData(err))
}

func TestMirrorSubjectsDir(t *testing.T) {
	src := filepath.Join(t.TempDir(), "sub-01")
	writeFile(t, filepath.Join(src, "surf", "lh.white"), "white")
	writeFile(t, filepath.Join(src, "label", "lh.aparc.annot"), "aparc")
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, "subjects", FsAverage, "surf"), 0755))

	dst := t.TempDir()
	log := zaptest.NewLogger(t).Sugar()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = MirrorSubjectsDir(src, dst, home, log)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	subject, err := MirrorSubjectsDir(src, dst, home, log)
	require.NoError(t, err)
	assert.Equal(t, "sub-01", subject)

	info, err := os.Lstat(filepath.Join(dst, subject, "surf"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	info, err = os.Lstat(filepath.Join(dst, subject, "surf", "lh.white"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSymlink)
	fsavg, err := os.Readlink(filepath.Join(dst, FsAverage))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "subjects", FsAverage), fsavg)

	// injecting replaces the link, not the source file
	annot := filepath.Join(t.TempDir(), "new.annot")
	writeFile(t, annot, "gordon")
	path, err := InjectAnnot(dst, subject, models.Left, "aparc", annot)
	require.NoError(t, err)
	assert.Equal(t, AnnotPath(dst, subject, models.Left, "aparc"), path)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "gordon", string(got))
	orig, err := os.ReadFile(filepath.Join(src, "label", "lh.aparc.annot"))
	require.NoError(t, err)
	assert.Equal(t, "aparc", string(orig))

	// mirroring again keeps the injected file
	_, err = MirrorSubjectsDir(src, dst, home, log)
	require.NoError(t, err)
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "gordon", string(got))
}

func TestAvailableMeasures(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "surf", "lh.thickness"), "")
	writeFile(t, filepath.Join(dir, "surf", "lh.w-g.pct.mgh"), "")
	writeFile(t, filepath.Join(dir, "surf", "rh.sulc"), "")

	found := AvailableMeasures(dir, models.Left, DefaultMeasures)
	require.Len(t, found, 2)
	assert.Equal(t, "thickness", found[0].Name)
	assert.Equal(t, "gwr", found[1].Name)
	assert.Equal(t, []string{"--snr"}, found[1].Args)
	assert.Equal(t, models.Left, found[1].Hemisphere)

	measures, err := LookupMeasures([]string{"sulc", "thickness"})
	require.NoError(t, err)
	found = AvailableMeasures(dir, models.Right, measures)
	require.Len(t, found, 1)
	assert.Equal(t, "sulc", found[0].Name)

	_, err = LookupMeasures([]string{"volume"})
	assert.True(t, errors.IsConfiguration(err))
}

func TestWaitForFiles(t *testing.T) {
	dir := t.TempDir()
	reg := filepath.Join(dir, "lh.sphere.reg")
	log := zaptest.NewLogger(t).Sugar()

	go func() {
		time.Sleep(50 * time.Millisecond)
		os.WriteFile(reg, []byte("reg"), 0644)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, WaitForFiles(ctx, []string{reg}, log))

	short, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	err := WaitForFiles(short, []string{filepath.Join(dir, "rh.sphere.reg")}, log)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLateRegistrationReachesMirror(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "fs", "sub-01")
	writeFile(t, filepath.Join(src, "surf", "lh.white"), "white")
	mirror := filepath.Join(root, "work", "freesurfer")
	log := zaptest.NewLogger(t).Sugar()

	subject, err := MirrorSubjectsDir(src, mirror, "", log)
	require.NoError(t, err)

	files := RegistrationFiles(src, models.Left)
	go func() {
		time.Sleep(100 * time.Millisecond)
		os.WriteFile(filepath.Join(src, "surf", "lh.sphere.reg"), []byte("reg"), 0644)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, WaitForFiles(ctx, files, log))

	mirrored := filepath.Join(mirror, subject, "surf", "lh.sphere.reg")
	_, err = os.Stat(mirrored)
	require.True(t, os.IsNotExist(err), "mirror is a snapshot until linked")

	require.NoError(t, LinkIntoMirror(src, mirror, files))
	data, err := os.ReadFile(mirrored)
	require.NoError(t, err)
	assert.Equal(t, "reg", string(data))

	// already linked files are kept
	require.NoError(t, LinkIntoMirror(src, mirror, files))
	assert.Error(t, LinkIntoMirror(src, mirror, []string{filepath.Join(root, "elsewhere")}))
}

// fakeTool installs a script that records its arguments and SUBJECTS_DIR.
func fakeTool(t *testing.T, bin, name string) string {
	t.Helper()
	record := filepath.Join(bin, name+".args")
	script := "#!/bin/sh\necho \"$SUBJECTS_DIR $*\" > " + record + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(bin, name), []byte(script), 0755))
	return record
}

func TestToolsCommandLines(t *testing.T) {
	bin := t.TempDir()
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
	segstats := fakeTool(t, bin, "mri_segstats")
	anat := fakeTool(t, bin, "mris_anatomical_stats")
	surf2surf := fakeTool(t, bin, "mri_surf2surf")

	tools := NewTools(runner.New(runner.Options{Logger: zaptest.NewLogger(t).Sugar()}), "/subjects")
	ctx := context.Background()
	work := t.TempDir()

	m := MeasureFile{Measure: DefaultMeasures[4], Hemisphere: models.Left, Path: "/subjects/sub-01/surf/lh.w-g.pct.mgh"}
	require.NoError(t, tools.SegStats(ctx, work, "sub-01", models.Left, "Gordon", m, "out.stats"))
	require.NoError(t, tools.AnatomicalStats(ctx, work, "sub-01", models.Right, "rh.Gordon.annot", "table.stats"))
	require.NoError(t, tools.Surf2Surf(ctx, work, FsAverage, "sub-01", models.Left, "in.annot", "out.annot"))

	read := func(p string) string {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		return strings.TrimSpace(string(data))
	}
	assert.Equal(t, "/subjects --annot sub-01 lh Gordon --i /subjects/sub-01/surf/lh.w-g.pct.mgh --sum out.stats --snr", read(segstats))
	assert.Equal(t, "/subjects -th3 -noglobal -a rh.Gordon.annot -f table.stats sub-01 rh white", read(anat))
	assert.Equal(t, "/subjects --srcsubject fsaverage --trgsubject sub-01 --hemi lh --sval-annot in.annot --tval out.annot", read(surf2surf))
}
