package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinearizeSingleInheritance(t *testing.T) {
	parents := map[string][]string{
		"child":  {"parent"},
		"parent": nil,
	}
	mro, err := linearize("child", parents)
	require.NoError(t, err)
	assert.Equal(t, []string{"child", "parent", "root"}, mro)
}

func TestLinearizeDiamond(t *testing.T) {
	parents := map[string][]string{
		"D": {"B", "C"},
		"B": {"A"},
		"C": {"A"},
		"A": nil,
	}
	mro, err := linearize("D", parents)
	require.NoError(t, err)
	assert.Equal(t, []string{"D", "B", "C", "A", "root"}, mro)
}

func TestLinearizeCycleDetected(t *testing.T) {
	parents := map[string][]string{
		"A": {"B"},
		"B": {"A"},
	}
	_, err := linearize("A", parents)
	assert.Error(t, err)
}

const testYAML = `
scheduling:
  initial cycle point: "1"
  graph:
    "R1": "foo => bar"
runtime:
  FAMILY:
    platform: desktop
    environment:
      FOO: bar
  foo:
    inherit: [FAMILY]
    script: "true"
  bar:
    script: "true"
platforms:
  desktop:
    hosts: [localhost]
`

func TestLoadEndToEnd(t *testing.T) {
	cfg, err := Load([]byte(testYAML), ModeCylc8)
	require.NoError(t, err)

	foo, ok := cfg.TaskDefs["foo"]
	require.True(t, ok)
	assert.Equal(t, "desktop", foo.Runtime.Platform)
	assert.Equal(t, "bar", foo.Runtime.Environment["FOO"])

	bar, ok := cfg.TaskDefs["bar"]
	require.True(t, ok)
	require.NotNil(t, bar.Triggers.Clauses)
	assert.Equal(t, "foo", bar.Triggers.Clauses[0][0].TaskName)
}

func TestResolvePlatformNameLiteral(t *testing.T) {
	cfg := &Config{Platforms: map[string]Platform{"desktop": {Name: "desktop"}}, PlatformOrder: []string{"desktop"}}
	name, err := cfg.ResolvePlatformName("desktop", RandomPlatformPicker())
	require.NoError(t, err)
	assert.Equal(t, "desktop", name)
}

func TestResolvePlatformNameGroup(t *testing.T) {
	cfg := &Config{
		Groups: map[string]PlatformGroup{"hpc": {Name: "hpc", Platforms: []string{"a", "b"}}},
	}
	name, err := cfg.ResolvePlatformName("hpc", func(n int) int { return 1 })
	require.NoError(t, err)
	assert.Equal(t, "b", name)
}

func TestResolvePlatformNameUnmatched(t *testing.T) {
	cfg := &Config{}
	_, err := cfg.ResolvePlatformName("nonexistent", RandomPlatformPicker())
	assert.Error(t, err)
}
