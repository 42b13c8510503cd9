package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cylc/cylc-flow-go/internal/taskdef"
)

func TestParseSimpleChain(t *testing.T) {
	edges, err := ParseLines("foo => bar => baz")
	require.NoError(t, err)
	require.Len(t, edges, 2)

	assert.Equal(t, "foo", edges[0].Trigger.Clauses[0][0].TaskName)
	assert.Equal(t, taskdef.OutputSucceeded, edges[0].Trigger.Clauses[0][0].Output)
	assert.Equal(t, "bar", edges[0].Targets[0].Name)
	assert.Equal(t, "bar", edges[1].Trigger.Clauses[0][0].TaskName)
	assert.Equal(t, "baz", edges[1].Targets[0].Name)
}

func TestParseConjunction(t *testing.T) {
	edges, err := ParseLines("foo & bar => baz")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Len(t, edges[0].Trigger.Clauses, 2)
	assert.Equal(t, "foo", edges[0].Trigger.Clauses[0][0].TaskName)
	assert.Equal(t, "bar", edges[0].Trigger.Clauses[1][0].TaskName)
}

func TestParseDisjunction(t *testing.T) {
	edges, err := ParseLines("foo | bar => baz")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Len(t, edges[0].Trigger.Clauses, 1)
	require.Len(t, edges[0].Trigger.Clauses[0], 2)
}

func TestParseQualifierAndOffset(t *testing.T) {
	edges, err := ParseLines("foo[-P1D]:fail? => bar")
	require.NoError(t, err)
	atom := edges[0].Trigger.Clauses[0][0]
	assert.Equal(t, "foo", atom.TaskName)
	assert.Equal(t, "-P1D", atom.Offset)
	assert.Equal(t, "fail", atom.Output)
	assert.True(t, atom.Optional)
}

func TestParseSuicideTarget(t *testing.T) {
	edges, err := ParseLines("foo:fail => !bar")
	require.NoError(t, err)
	require.Len(t, edges[0].Targets, 1)
	assert.True(t, edges[0].Targets[0].Suicide)
}

func TestSuicideMidChainRejected(t *testing.T) {
	_, err := ParseLines("foo => !bar => baz")
	assert.Error(t, err)
}

func TestAndOuterOrInnerPrecedence(t *testing.T) {
	edges, err := ParseLines("foo & bar | baz => qux")
	require.NoError(t, err)
	// "&" splits first: clause0={foo}, clause1={bar|baz}.
	require.Len(t, edges[0].Trigger.Clauses, 2)
	assert.Len(t, edges[0].Trigger.Clauses[0], 1)
	assert.Len(t, edges[0].Trigger.Clauses[1], 2)
}

func TestParenthesizedMixAllowed(t *testing.T) {
	edges, err := ParseLines("(foo | bar) & baz => qux")
	require.NoError(t, err)
	require.Len(t, edges[0].Trigger.Clauses, 2)
	assert.Len(t, edges[0].Trigger.Clauses[0], 2)
	assert.Len(t, edges[0].Trigger.Clauses[1], 1)
}

func TestParseBuildsDownstreamIndex(t *testing.T) {
	edges, err := ParseLines("foo => bar\nfoo => baz")
	require.NoError(t, err)
	pg := Parse(edges)
	assert.ElementsMatch(t, []string{"bar", "baz"}, pg.Downstream["foo"])
}

func TestValidateKnownTasksRejectsUndeclared(t *testing.T) {
	edges, err := ParseLines("foo => bar")
	require.NoError(t, err)
	pg := Parse(edges)
	err = pg.ValidateKnownTasks(map[string]bool{"foo": true}, false)
	assert.Error(t, err)
	assert.NoError(t, pg.ValidateKnownTasks(map[string]bool{"foo": true}, true))
}

func TestValidateOptionalOutputsRequiresBothOptional(t *testing.T) {
	edges, err := ParseLines("foo:succeeded => bar\nfoo:failed => baz")
	require.NoError(t, err)
	assert.Error(t, ValidateOptionalOutputs(edges, false))
	assert.NoError(t, ValidateOptionalOutputs(edges, true), "cylc-7 mode relaxes the rule")
}

func TestValidateOptionalOutputsPassesWhenBothMarked(t *testing.T) {
	edges, err := ParseLines("foo? => bar\nfoo:failed? => baz")
	require.NoError(t, err)
	assert.NoError(t, ValidateOptionalOutputs(edges, false))
}
