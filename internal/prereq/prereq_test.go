package prereq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cylc/cylc-flow-go/internal/cycle"
)

func point(t *testing.T, s string) cycle.Point {
	t.Helper()
	p, err := cycle.ParsePoint(s, cycle.Gregorian)
	require.NoError(t, err)
	return p
}

func TestConjunctionRequiresAllClauses(t *testing.T) {
	p := New()
	cp := point(t, "1")
	p.AddClause([]Atom{{Point: cp, Name: "foo", Output: "succeeded"}})
	p.AddClause([]Atom{{Point: cp, Name: "bar", Output: "succeeded"}})

	assert.False(t, p.IsSatisfied())
	p.Satisfy(Atom{Point: cp, Name: "foo", Output: "succeeded"})
	assert.False(t, p.IsSatisfied())
	done := p.Satisfy(Atom{Point: cp, Name: "bar", Output: "succeeded"})
	assert.True(t, done)
	assert.True(t, p.IsSatisfied())
}

func TestDisjunctionAnyAtomSuffices(t *testing.T) {
	p := New()
	cp := point(t, "1")
	p.AddClause([]Atom{
		{Point: cp, Name: "foo", Output: "succeeded"},
		{Point: cp, Name: "bar", Output: "succeeded"},
	})
	assert.False(t, p.IsSatisfied())
	p.Satisfy(Atom{Point: cp, Name: "bar", Output: "succeeded"})
	assert.True(t, p.IsSatisfied())
}

func TestUnsatisfiedAtoms(t *testing.T) {
	p := New()
	cp := point(t, "1")
	p.AddClause([]Atom{{Point: cp, Name: "foo", Output: "succeeded"}})
	p.AddClause([]Atom{{Point: cp, Name: "bar", Output: "succeeded"}})
	p.Satisfy(Atom{Point: cp, Name: "foo", Output: "succeeded"})

	un := p.UnsatisfiedAtoms()
	require.Len(t, un, 1)
	assert.Equal(t, "bar", un[0].Name)
}

func TestResetClearsSatisfaction(t *testing.T) {
	p := New()
	cp := point(t, "1")
	p.AddClause([]Atom{{Point: cp, Name: "foo", Output: "succeeded"}})
	p.Satisfy(Atom{Point: cp, Name: "foo", Output: "succeeded"})
	require.True(t, p.IsSatisfied())
	p.Reset()
	assert.False(t, p.IsSatisfied())
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	p := New()
	cp := point(t, "1")
	p.AddClause([]Atom{{Point: cp, Name: "foo", Output: "succeeded"}, {Point: cp, Name: "baz", Output: "succeeded"}})
	p.AddClause([]Atom{{Point: cp, Name: "bar", Output: "succeeded"}})
	p.Satisfy(Atom{Point: cp, Name: "baz", Output: "succeeded"})
	p.Satisfy(Atom{Point: cp, Name: "bar", Output: "succeeded"})

	snap := p.Snapshot()
	restored := Restore([]int{2, 1}, snap)
	assert.True(t, restored.IsSatisfied())
}
