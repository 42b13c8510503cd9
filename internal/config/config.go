// Package config loads a workflow definition (already textually expanded by
// the external Jinja2/Empy template processor), resolves [runtime]
// inheritance, materializes TaskDefs via the graph parser, and resolves
// platform/platform-group references at submit time.
package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/cylc/cylc-flow-go/internal/cycle"
	"github.com/cylc/cylc-flow-go/internal/graph"
	"github.com/cylc/cylc-flow-go/internal/taskdef"
)

// Mode distinguishes Cylc-7 back-compat graph semantics from Cylc-8,
// determined by which filename supplied the definition (suite.rc vs
// flow.cylc). The mode is fixed once per workflow at parse time and
// threaded through every mode-sensitive algorithm rather than checked ad
// hoc at each call site, per the back-compat design note.
type Mode int

const (
	ModeCylc8 Mode = iota
	ModeCylc7Compat
)

// raw mirrors the on-disk YAML shape closely enough for mapstructure to
// decode into; fields with no static shape (directives, environment,
// per-task free-form overrides) stay as map[string]string.
type rawConfig struct {
	Scheduling struct {
		InitialCyclePoint string            `yaml:"initial cycle point" mapstructure:"initial cycle point"`
		FinalCyclePoint   string            `yaml:"final cycle point" mapstructure:"final cycle point"`
		RunaheadLimit     string            `yaml:"runahead limit" mapstructure:"runahead limit"`
		CyclingMode       string            `yaml:"cycling mode" mapstructure:"cycling mode"`
		Graphs            map[string]string `yaml:"graph" mapstructure:"graph"` // recurrence -> graph string
		Queues            map[string]struct {
			Limit   int      `yaml:"limit" mapstructure:"limit"`
			Members []string `yaml:"members" mapstructure:"members"`
		} `yaml:"queues" mapstructure:"queues"`
	} `yaml:"scheduling" mapstructure:"scheduling"`

	Runtime map[string]rawRuntime `yaml:"runtime" mapstructure:"runtime"`

	Platforms      map[string]rawPlatform      `yaml:"platforms" mapstructure:"platforms"`
	PlatformGroups map[string]rawPlatformGroup `yaml:"platform groups" mapstructure:"platform groups"`

	AllowImplicitTasks bool `yaml:"allow implicit tasks" mapstructure:"allow implicit tasks"`
	StallTimeout       string `yaml:"stall timeout" mapstructure:"stall timeout"`
	AbortOnStallTimeout bool  `yaml:"abort on stall timeout" mapstructure:"abort on stall timeout"`
}

type rawRuntime struct {
	Inherit            []string          `yaml:"inherit" mapstructure:"inherit"`
	Script             string            `yaml:"script" mapstructure:"script"`
	EnvScript          string            `yaml:"env-script" mapstructure:"env-script"`
	PreScript          string            `yaml:"pre-script" mapstructure:"pre-script"`
	PostScript         string            `yaml:"post-script" mapstructure:"post-script"`
	Platform           string            `yaml:"platform" mapstructure:"platform"`
	Environment        map[string]string `yaml:"environment" mapstructure:"environment"`
	Directives         map[string]string `yaml:"directives" mapstructure:"directives"`
	ExecutionTimeLimit string            `yaml:"execution time limit" mapstructure:"execution time limit"`
	ExecutionRetryDelays   string `yaml:"execution retry delays" mapstructure:"execution retry delays"`
	SubmissionRetryDelays  string `yaml:"submission retry delays" mapstructure:"submission retry delays"`
	OutputsRequired    map[string]string `yaml:"outputs" mapstructure:"outputs"` // name -> message; required unless declared in OutputsOptional
	OutputsOptional    []string          `yaml:"optional outputs" mapstructure:"optional outputs"`
}

type rawPlatform struct {
	Hosts                    []string          `yaml:"hosts" mapstructure:"hosts"`
	BatchSystem              string            `yaml:"batch system" mapstructure:"batch system"`
	JobRunnerCommandTemplate string            `yaml:"job runner command template" mapstructure:"job runner command template"`
	SSHCommand               string            `yaml:"ssh command" mapstructure:"ssh command"`
	InstallTarget            string            `yaml:"install target" mapstructure:"install target"`
	Directives               map[string]string `yaml:"directives" mapstructure:"directives"`
	SubmissionPollIntervals  string            `yaml:"submission polling intervals" mapstructure:"submission polling intervals"`
	ExecutionPollIntervals   string            `yaml:"execution polling intervals" mapstructure:"execution polling intervals"`
	MaxParallelSubmits       int               `yaml:"max parallel submits" mapstructure:"max parallel submits"`
}

type rawPlatformGroup struct {
	Platforms []string `yaml:"platforms" mapstructure:"platforms"`
}

// Platform is the resolved, typed form of a platform definition.
type Platform struct {
	Name                    string
	Hosts                   []string
	BatchSystem             string
	CommandTemplate         string
	SSHCommand              string
	InstallTarget           string
	Directives              map[string]string
	SubmissionPollIntervals []time.Duration
	ExecutionPollIntervals  []time.Duration
	MaxParallelSubmits      int
}

// PlatformGroup is a named, weighted-by-uniform-random set of platforms.
type PlatformGroup struct {
	Name      string
	Platforms []string
}

// Config is the fully resolved, immutable workflow configuration.
type Config struct {
	Mode                Mode
	Calendar            cycle.Calendar
	InitialCyclePoint   cycle.Point
	HasInitialPoint     bool
	FinalCyclePoint     cycle.Point
	HasFinalPoint       bool
	RunaheadLimit       cycle.Duration
	HasRunaheadLimit    bool
	AllowImplicitTasks  bool
	StallTimeout        time.Duration
	AbortOnStallTimeout bool

	TaskDefs  map[string]*taskdef.TaskDef
	Graph     *graph.ParsedGraph
	Platforms map[string]Platform
	Groups    map[string]PlatformGroup
	// PlatformOrder holds platform names in declaration order; resolution
	// walks it from the end for the "first match wins, checked from the
	// bottom" rule.
	PlatformOrder []string
	Queues        map[string]Queue
}

// Queue is a named [scheduling][queues] entry bounding concurrent
// submission among its member tasks.
type Queue struct {
	Name    string
	Limit   int
	Members []string
}

// Load parses yamlBytes (the already-template-expanded workflow
// definition) and builds a resolved Config. mode must be determined by the
// caller from the source filename (suite.rc => ModeCylc7Compat).
func Load(yamlBytes []byte, mode Mode) (*Config, error) {
	var generic map[string]interface{}
	if err := yaml.Unmarshal(yamlBytes, &generic); err != nil {
		return nil, fmt.Errorf("config: yaml parse: %w", err)
	}
	var raw rawConfig
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &raw,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, fmt.Errorf("config: decoder: %w", err)
	}
	if err := dec.Decode(generic); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	cal := cycle.Gregorian
	if raw.Scheduling.CyclingMode == "360day" {
		cal = cycle.Calendar360
	} else if raw.Scheduling.CyclingMode == "365day" {
		cal = cycle.Calendar365
	}

	cfg := &Config{
		Mode:                mode,
		Calendar:            cal,
		AllowImplicitTasks:  raw.AllowImplicitTasks,
		AbortOnStallTimeout: raw.AbortOnStallTimeout,
		TaskDefs:            map[string]*taskdef.TaskDef{},
		Platforms:           map[string]Platform{},
		Groups:              map[string]PlatformGroup{},
		Queues:              map[string]Queue{},
	}

	if raw.Scheduling.InitialCyclePoint != "" && raw.Scheduling.InitialCyclePoint != "now" {
		p, err := cycle.ParsePoint(raw.Scheduling.InitialCyclePoint, cal)
		if err != nil {
			return nil, fmt.Errorf("config: initial cycle point: %w", err)
		}
		cfg.InitialCyclePoint, cfg.HasInitialPoint = p, true
	}
	if raw.Scheduling.FinalCyclePoint != "" {
		p, err := cycle.ParsePoint(raw.Scheduling.FinalCyclePoint, cal)
		if err != nil {
			return nil, fmt.Errorf("config: final cycle point: %w", err)
		}
		cfg.FinalCyclePoint, cfg.HasFinalPoint = p, true
	}
	if raw.Scheduling.RunaheadLimit != "" {
		d, err := cycle.ParseDuration(raw.Scheduling.RunaheadLimit, cal)
		if err != nil {
			return nil, fmt.Errorf("config: runahead limit: %w", err)
		}
		cfg.RunaheadLimit, cfg.HasRunaheadLimit = d, true
	}
	if raw.StallTimeout != "" {
		d, err := cycle.ParseDuration(raw.StallTimeout, cal)
		if err != nil {
			return nil, fmt.Errorf("config: stall timeout: %w", err)
		}
		cfg.StallTimeout = d.ApproxGoDuration()
	}

	if err := resolveRuntime(&raw, cal, cfg); err != nil {
		return nil, err
	}
	if err := resolvePlatforms(&raw, cfg); err != nil {
		return nil, err
	}
	// raw.Platforms is a map, so take declaration order from the YAML nodes.
	var doc yaml.Node
	if err := yaml.Unmarshal(yamlBytes, &doc); err == nil && len(doc.Content) == 1 {
		top := doc.Content[0]
		for i := 0; i+1 < len(top.Content); i += 2 {
			if plat := top.Content[i+1]; top.Content[i].Value == "platforms" && len(plat.Content)/2 == len(cfg.PlatformOrder) {
				cfg.PlatformOrder = cfg.PlatformOrder[:0]
				for j := 0; j+1 < len(plat.Content); j += 2 {
					cfg.PlatformOrder = append(cfg.PlatformOrder, plat.Content[j].Value)
				}
			}
		}
	}
	for name, q := range raw.Scheduling.Queues {
		cfg.Queues[name] = Queue{Name: name, Limit: q.Limit, Members: q.Members}
	}
	if err := resolveGraph(&raw, cal, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

