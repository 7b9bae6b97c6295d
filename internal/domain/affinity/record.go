// Package affinity projects rows of a binding-affinity table onto training
// records. Columns are bound by header name, so reordering the source file
// never silently changes which field feeds which input.
package affinity

import "fmt"

// Record is one training example: a ligand descriptor, a protein chain and
// the measured IC50 target. Records are values; nothing mutates them after
// projection.
type Record struct {
	Ligand  string
	Protein string
	Target  float64
}

func (r Record) String() string {
	return fmt.Sprintf("Record(ligand=%q, protein=%s, target=%g)", r.Ligand, abbreviate(r.Protein, 24), r.Target)
}

func abbreviate(s string, n int) string {
	if len(s) <= n {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("%q...(%d chars)", s[:n], len(s))
}

// Columns names the three table columns a Dataset binds.
type Columns struct {
	Ligand  string `mapstructure:"ligand"`
	Protein string `mapstructure:"protein"`
	Target  string `mapstructure:"target"`
}

// BindingDBColumns are the header names of a BindingDB IC50 export.
var BindingDBColumns = Columns{
	Ligand:  "Ligand SMILES",
	Protein: "BindingDB Target Chain Sequence",
	Target:  "IC50 (nM)",
}

// Source is an indexable, fixed-size collection of records.
type Source interface {
	Len() int
	At(i int) (Record, error)
}
