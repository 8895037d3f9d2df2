package parcellation

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"smripostlinc/pkg/errors"
)

// Rule names two columns measuring the same quantity. Duplicate is dropped
// once it agrees with Reference within Tolerance.
type Rule struct {
	Reference string
	Duplicate string
	Tolerance float64
}

// DefaultRules pair mri_segstats columns with their mris_anatomical_stats
// counterparts. Vertex counts must match exactly; area sums may differ by
// summation order.
var DefaultRules = []Rule{
	{Reference: "NVertices", Duplicate: "NumVert", Tolerance: 0},
	{Reference: "Area_mm2", Duplicate: "SurfArea", Tolerance: 0.01},
}

// BaselineColumns are joined from the baseline table before reconciling.
func BaselineColumns(rules []Rule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.Duplicate
	}
	return out
}

// Reconcile checks every rule whose columns are both present and drops the
// duplicates. Rows where either side is missing are not compared.
func Reconcile(name string, t *Table, rules []Rule) error {
	for _, rule := range rules {
		if !t.Has(rule.Reference) || !t.Has(rule.Duplicate) {
			continue
		}
		ref, refOK, err := t.Floats(rule.Reference)
		if err != nil {
			return err
		}
		dup, dupOK, err := t.Floats(rule.Duplicate)
		if err != nil {
			return err
		}
		var a, b []float64
		var rows []int
		for i := range ref {
			if refOK[i] && dupOK[i] {
				a, b = append(a, ref[i]), append(b, dup[i])
				rows = append(rows, i)
			}
		}
		if len(a) > 0 && floats.Distance(a, b, math.Inf(1)) > rule.Tolerance {
			for i := range a {
				if math.Abs(a[i]-b[i]) > rule.Tolerance {
					return &errors.ReconciliationError{
						Table:     name,
						Reference: rule.Reference,
						Duplicate: rule.Duplicate,
						Row:       rowLabel(t, rows[i]),
						Want:      a[i],
						Got:       b[i],
						Tolerance: rule.Tolerance,
					}
				}
			}
		}
		t.DropColumn(rule.Duplicate)
	}
	return nil
}

func rowLabel(t *Table, row int) string {
	if i := t.Index("StructName"); i >= 0 {
		return t.Rows[row][i]
	}
	return t.Rows[row][0]
}
