// Package prereq implements a TaskProxy's prerequisite set: a conjunction
// of clauses, each clause a disjunction of (cyclePoint, taskName, output)
// triples, satisfied when every clause has at least one completed triple.
package prereq

import (
	"github.com/cylc/cylc-flow-go/internal/cycle"
)

// Atom identifies one upstream output a prerequisite clause can depend on.
type Atom struct {
	Point  cycle.Point
	Name   string
	Output string
}

// Key returns a string suitable for map indexing; cycle.Point has no native
// comparable form usable as a map key when date-time values carry distinct
// in-memory representations for the same instant, so atoms are always keyed
// by their canonical string form.
func (a Atom) Key() string {
	return a.Point.String() + "\x1f" + a.Name + "\x1f" + a.Output
}

type clauseAtom struct {
	Atom
	satisfied bool
}

// Prereq stores its clauses in canonical conjunction-of-disjunctions form.
type Prereq struct {
	clauses [][]*clauseAtom
	index   map[string][]*clauseAtom // atom key -> every occurrence across clauses
}

// New builds an empty Prereq; clauses are added with AddClause.
func New() *Prereq {
	return &Prereq{index: map[string][]*clauseAtom{}}
}

// AddClause appends one disjunction (a list of alternative atoms, any one of
// which satisfies the clause) to the conjunction.
func (p *Prereq) AddClause(atoms []Atom) {
	clause := make([]*clauseAtom, 0, len(atoms))
	for _, a := range atoms {
		ca := &clauseAtom{Atom: a}
		clause = append(clause, ca)
		p.index[a.Key()] = append(p.index[a.Key()], ca)
	}
	p.clauses = append(p.clauses, clause)
}

// Satisfy marks every clause atom matching the given triple as completed and
// returns whether the whole conjunction is now satisfied.
func (p *Prereq) Satisfy(a Atom) bool {
	for _, ca := range p.index[a.Key()] {
		ca.satisfied = true
	}
	return p.IsSatisfied()
}

// IsSatisfied reports whether every clause has at least one satisfied atom.
// O(clauses): each clause is checked only until its first satisfied atom.
func (p *Prereq) IsSatisfied() bool {
	for _, clause := range p.clauses {
		ok := false
		for _, ca := range clause {
			if ca.satisfied {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// UnsatisfiedAtoms returns every atom not yet satisfied, across all clauses;
// used for diagnostics (`cylc show`-equivalent output) and stall reporting.
func (p *Prereq) UnsatisfiedAtoms() []Atom {
	var out []Atom
	for _, clause := range p.clauses {
		satisfied := false
		for _, ca := range clause {
			if ca.satisfied {
				satisfied = true
				break
			}
		}
		if satisfied {
			continue
		}
		for _, ca := range clause {
			out = append(out, ca.Atom)
		}
	}
	return out
}

// Reset clears all satisfaction flags, used when a proxy is re-triggered
// into a new flow and must re-wait on its prerequisites.
func (p *Prereq) Reset() {
	for _, clause := range p.clauses {
		for _, ca := range clause {
			ca.satisfied = false
		}
	}
}

// ClauseSizes returns the number of atoms in each clause, in declaration
// order — the shape Restore needs alongside a Snapshot to rebuild a Prereq.
func (p *Prereq) ClauseSizes() []int {
	sizes := make([]int, len(p.clauses))
	for i, clause := range p.clauses {
		sizes[i] = len(clause)
	}
	return sizes
}

// Snapshot captures satisfied/unsatisfied state keyed by atom for StateDB
// serialization, where each atom is assigned a short integer alias to keep
// row sizes bounded.
type Snapshot struct {
	Atoms   []Atom
	Aliases []int
	Done    []bool
}

// Snapshot returns the current satisfaction state in a form suitable for
// persistence: each distinct atom gets a stable 0-based alias (assignment
// order), reused across calls on the same Prereq instance.
func (p *Prereq) Snapshot() Snapshot {
	var snap Snapshot
	alias := 0
	seen := map[string]int{}
	for _, clause := range p.clauses {
		for _, ca := range clause {
			k := ca.Key()
			a, ok := seen[k]
			if !ok {
				a = alias
				seen[k] = a
				alias++
				snap.Atoms = append(snap.Atoms, ca.Atom)
			}
			snap.Aliases = append(snap.Aliases, a)
			snap.Done = append(snap.Done, ca.satisfied)
		}
	}
	return snap
}

// Restore rebuilds a Prereq's satisfaction state from a previously-taken
// Snapshot matched by atom identity, used when reconstructing the pool from
// StateDB on restart.
func Restore(clauseSizes []int, snap Snapshot) *Prereq {
	p := New()
	pos := 0
	for _, size := range clauseSizes {
		var atoms []Atom
		for i := 0; i < size; i++ {
			atoms = append(atoms, snap.Atoms[snap.Aliases[pos]])
			pos++
		}
		p.AddClause(atoms)
	}
	pos = 0
	for _, clause := range p.clauses {
		for _, ca := range clause {
			if snap.Done[pos] {
				ca.satisfied = true
			}
			pos++
		}
	}
	return p
}
