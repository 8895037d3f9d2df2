package report

import (
	"fmt"
	"io"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"smripostlinc/pkg/errors"
)

// Failure is one task that did not produce its output.
type Failure struct {
	Subject    string
	Atlas      string
	Hemisphere string
	// Table is the statistic of a failed table; empty for atlas-level failures
	Table string
	Err   error
}

// Kind names the error category of the failure.
func (f Failure) Kind() string {
	switch errors.Kind(f.Err) {
	case errors.ErrConfiguration:
		return "configuration"
	case errors.ErrMissingData:
		return "missing data"
	case errors.ErrAmbiguity:
		return "ambiguity"
	case errors.ErrSpaceTransform:
		return "space transform"
	case errors.ErrReconciliation:
		return "reconciliation"
	}
	return "error"
}

// Summary collects the outcome of a run. It is safe for concurrent use.
type Summary struct {
	RunID string
	// Unresolved are requested atlases no dataset provided
	Unresolved []string
	Elapsed    time.Duration

	mu       sync.Mutex
	failures []Failure
	done     []string
	outputs  map[string]int
}

// NewSummary returns an empty summary.
func NewSummary(runID string) *Summary {
	return &Summary{RunID: runID, outputs: map[string]int{}}
}

// Fail records a failure.
func (s *Summary) Fail(f Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, f)
}

// Output counts a table written for subject.
func (s *Summary) Output(subject string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[subject]++
}

// Done marks subject as finished.
func (s *Summary) Done(subject string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = append(s.done, subject)
}

// Finish records the run time.
func (s *Summary) Finish(elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Elapsed = elapsed
}

// Failures returns the failures ordered by subject, atlas, hemisphere and
// table.
func (s *Summary) Failures() []Failure {
	s.mu.Lock()
	out := slices.Clone(s.failures)
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		if a.Atlas != b.Atlas {
			return a.Atlas < b.Atlas
		}
		if a.Hemisphere != b.Hemisphere {
			return a.Hemisphere < b.Hemisphere
		}
		return a.Table < b.Table
	})
	return out
}

// Subjects returns the finished subjects in sorted order.
func (s *Summary) Subjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(slices.Values(s.done))
}

// Outputs returns the number of tables written for subject.
func (s *Summary) Outputs(subject string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputs[subject]
}

// Failed reports whether any task failed.
func (s *Summary) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failures) > 0
}

// Err combines the failures into one error, or returns nil.
func (s *Summary) Err() error {
	var err error
	for _, f := range s.Failures() {
		err = errors.CombineErrors(err, f.Err)
	}
	if err != nil {
		return errors.Wrapf(err, "%d task(s) failed", len(s.Failures()))
	}
	return nil
}

// RenderSummary prints the run outcome: one row per subject, then one row
// per failure.
func RenderSummary(w io.Writer, s *Summary) error {
	rows := pterm.TableData{{"Subject", "Tables", "Failures"}}
	failed := map[string]int{}
	for _, f := range s.Failures() {
		failed[f.Subject]++
	}
	subjects := s.Subjects()
	for subject := range failed {
		if !slices.Contains(subjects, subject) {
			subjects = append(subjects, subject)
		}
	}
	slices.Sort(subjects)
	for _, subject := range subjects {
		rows = append(rows, []string{"sub-" + subject, strconv.Itoa(s.Outputs(subject)), strconv.Itoa(failed[subject])})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, table)

	for _, name := range s.Unresolved {
		fmt.Fprint(w, pterm.Warning.Sprintfln("Atlas %s was not found in any atlas dataset", name))
	}

	failures := s.Failures()
	if len(failures) == 0 {
		fmt.Fprint(w, pterm.Success.Sprintfln("Run %s finished in %s", s.RunID, s.Elapsed.Round(time.Second)))
		return nil
	}
	frows := pterm.TableData{{"Subject", "Atlas", "Hemi", "Table", "Kind", "Error"}}
	for _, f := range failures {
		frows = append(frows, []string{"sub-" + f.Subject, f.Atlas, f.Hemisphere, f.Table, f.Kind(), f.Err.Error()})
	}
	table, err = pterm.DefaultTable.WithHasHeader().WithData(frows).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, table)
	fmt.Fprint(w, pterm.Error.Sprintfln("Run %s finished in %s with %d failure(s)", s.RunID, s.Elapsed.Round(time.Second), len(failures)))
	return nil
}
