// Package freesurfer wraps the parts of a FreeSurfer subjects directory the
// pipeline touches: locating a subject, mirroring it into a writable tree,
// injecting atlas annotations and running the statistics tools.
package freesurfer

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"smripostlinc/internal/models"
	"smripostlinc/pkg/bids"
	"smripostlinc/pkg/errors"
	"smripostlinc/pkg/logger"
)

// FsAverage is the template subject used as the source of surface resampling.
const FsAverage = "fsaverage"

// FindSubjectDir returns the FreeSurfer directory of a subject. With a
// session it looks for longitudinal output first, then a per-session run,
// and finally falls back to the subject itself. Labels are tried with and
// without their "sub-"/"ses-" prefixes.
func FindSubjectDir(root, subject, session string) (string, error) {
	subject = strings.TrimPrefix(subject, "sub-")
	session = strings.TrimPrefix(session, "ses-")

	var candidates []string
	if session != "" {
		candidates = append(candidates,
			subject+"_"+session+".long."+subject,
			"sub-"+subject+"_ses-"+session+".long.sub-"+subject,
			subject+"_"+session,
			"sub-"+subject+"_ses-"+session,
		)
	}
	candidates = append(candidates, subject, "sub-"+subject)

	for _, c := range candidates {
		path := filepath.Join(root, c)
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return path, nil
		}
	}
	return "", &errors.MissingSubjectData{Subject: subject, What: "no FreeSurfer directory in " + root}
}

// MirrorSubjectsDir recreates subjectDir below subjectsDir as real
// directories holding symlinks to the original files, so annotations can
// be added without touching the source tree. It returns the mirrored
// subject ID. Directory creation is idempotent so several atlases of the
// same subject may mirror concurrently. When freesurferHome is set and
// subjectsDir has no fsaverage, the template subject is linked in.
func MirrorSubjectsDir(subjectDir, subjectsDir, freesurferHome string, log *zap.SugaredLogger) (string, error) {
	log = logger.OrGlobal(log)
	src, err := filepath.EvalSymlinks(subjectDir)
	if err != nil {
		return "", errors.Wrapf(err, "resolving %s", subjectDir)
	}
	subject := filepath.Base(subjectDir)
	dst := filepath.Join(subjectsDir, subject)

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if existing, err := os.Readlink(target); err == nil && existing == path {
			return nil
		}
		if _, err := os.Lstat(target); err == nil {
			// Files already in the mirror (e.g. injected annotations) win.
			return nil
		}
		if err := os.Symlink(path, target); err != nil && !os.IsExist(err) {
			return err
		}
		return nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "mirroring %s", subjectDir)
	}

	if freesurferHome != "" {
		if err := linkFsAverage(subjectsDir, freesurferHome, log); err != nil {
			return "", err
		}
	}
	log.Debugw("Mirrored FreeSurfer subject", "subject", subject, "path", dst)
	return subject, nil
}

func linkFsAverage(subjectsDir, freesurferHome string, log *zap.SugaredLogger) error {
	link := filepath.Join(subjectsDir, FsAverage)
	if _, err := os.Lstat(link); err == nil {
		return nil
	}
	target := filepath.Join(freesurferHome, "subjects", FsAverage)
	if _, err := os.Stat(target); err != nil {
		log.Warnw("FreeSurfer installation has no fsaverage subject", "path", target)
		return nil
	}
	if err := os.Symlink(target, link); err != nil && !os.IsExist(err) {
		return errors.Wrap(err, "linking fsaverage")
	}
	return nil
}

// AnnotPath is where FreeSurfer tools look for an atlas annotation.
func AnnotPath(subjectsDir, subject string, h models.Hemisphere, atlas string) string {
	return filepath.Join(subjectsDir, subject, "label", h.FreeSurfer()+"."+atlas+".annot")
}

// InjectAnnot places annot into the subject's label directory under the
// name FreeSurfer derives from the atlas. The file is staged and renamed,
// replacing any previous link of the same name without following it.
func InjectAnnot(subjectsDir, subject string, h models.Hemisphere, atlas, annot string) (string, error) {
	dst := AnnotPath(subjectsDir, subject, h, atlas)
	if err := bids.CopyFileAtomic(annot, dst); err != nil {
		return "", errors.Wrapf(err, "injecting %s annotation for %s", atlas, subject)
	}
	return dst, nil
}

// RegistrationFiles are the per-hemisphere spherical registrations that
// must exist before fsaverage data can be mapped onto a subject.
func RegistrationFiles(subjectDir string, h models.Hemisphere) []string {
	return []string{
		filepath.Join(subjectDir, "surf", h.FreeSurfer()+".sphere.reg"),
		filepath.Join(subjectDir, "surf", h.FreeSurfer()+".white"),
	}
}

// LinkIntoMirror links files of subjectDir that appeared after the subject
// was mirrored into its copy below subjectsDir. Paths already present in
// the mirror are left alone.
func LinkIntoMirror(subjectDir, subjectsDir string, paths []string) error {
	src, err := filepath.EvalSymlinks(subjectDir)
	if err != nil {
		return errors.Wrapf(err, "resolving %s", subjectDir)
	}
	dst := filepath.Join(subjectsDir, filepath.Base(subjectDir))
	for _, p := range paths {
		rel, err := filepath.Rel(subjectDir, p)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return errors.AssertionFailedf("%s is not inside %s", p, subjectDir)
		}
		target := filepath.Join(dst, rel)
		if _, err := os.Lstat(target); err == nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return errors.Wrapf(err, "creating %s", filepath.Dir(target))
		}
		if err := os.Symlink(filepath.Join(src, rel), target); err != nil && !os.IsExist(err) {
			return errors.Wrapf(err, "linking %s", rel)
		}
	}
	return nil
}
