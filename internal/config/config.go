// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Pipeline modes.
const (
	ModeConcurrent = "concurrent"
	ModeSequential = "sequential"
)

// Fetcher kinds.
const (
	FetcherColly    = "colly"
	FetcherHeadless = "headless"
)

// Case kinds.
const (
	CaseMemory   = "memory"
	CaseLog      = "log"
	CaseFile     = "file"
	CasePostgres = "postgres"
	CaseGCS      = "gcs"
	CasePubSub   = "pubsub"
	CaseTee      = "tee"
	CaseLimit    = "limit"
)

// Config captures all knobs loaded via Viper.
type Config struct {
	Logging  LoggingConfig         `mapstructure:"logging"`
	Pipeline PipelineConfig        `mapstructure:"pipeline"`
	Fetcher  FetcherConfig         `mapstructure:"fetcher"`
	Metrics  MetricsConfig         `mapstructure:"metrics"`
	Stages   []StageConfig         `mapstructure:"stages"`
	Cases    map[string]CaseConfig `mapstructure:"cases"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// PipelineConfig selects the entry stage and how links are scraped.
type PipelineConfig struct {
	Entry             string `mapstructure:"entry"`
	URL               string `mapstructure:"url"`
	Mode              string `mapstructure:"mode"`
	MaxWorkers        int    `mapstructure:"max_workers"`
	ReserveEntrySlots bool   `mapstructure:"reserve_entry_slots"`
}

// FetcherConfig configures how pages are downloaded.
type FetcherConfig struct {
	Kind               string         `mapstructure:"kind"`
	UserAgent          string         `mapstructure:"user_agent"`
	Timeout            time.Duration  `mapstructure:"timeout"`
	RespectRobots      bool           `mapstructure:"respect_robots"`
	RateLimitPerDomain float64        `mapstructure:"rate_limit_per_domain"`
	RateLimitBurst     int            `mapstructure:"rate_limit_burst"`
	Headless           HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig configures the chromedp fetcher.
type HeadlessConfig struct {
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	Screenshot  bool          `mapstructure:"screenshot"`

	// Promote refetches plain pages that look client-rendered.
	Promote            bool `mapstructure:"promote"`
	PromotionThreshold int  `mapstructure:"promotion_threshold"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// RouteConfig rewrites matching URLs before a stage fetches them.
type RouteConfig struct {
	Pattern  string `mapstructure:"pattern"`
	Template string `mapstructure:"template"`
}

// FieldConfig extracts one record field from a page.
type FieldConfig struct {
	Selector string `mapstructure:"selector"`
	// Attr reads an attribute instead of the element text.
	Attr string `mapstructure:"attr"`
}

// StageConfig declares one recipe stage.
type StageConfig struct {
	Name       string                 `mapstructure:"name"`
	URL        string                 `mapstructure:"url"`
	Next       string                 `mapstructure:"next"`
	Case       string                 `mapstructure:"case"`
	Route      RouteConfig            `mapstructure:"route"`
	Links      string                 `mapstructure:"links"`
	LinkAttr   string                 `mapstructure:"link_attr"`
	Fields     map[string]FieldConfig `mapstructure:"fields"`
	Require    []string               `mapstructure:"require"`
	Headless   bool                   `mapstructure:"headless"`
	Screenshot bool                   `mapstructure:"screenshot"`
	Headers    map[string]string      `mapstructure:"headers"`
}

// CaseConfig declares one named case. Which fields apply depends on Kind.
type CaseConfig struct {
	Kind string `mapstructure:"kind"`

	// file
	Dir string `mapstructure:"dir"`

	// postgres
	DSN         string `mapstructure:"dsn"`
	Table       string `mapstructure:"table"`
	MaxConns    int32  `mapstructure:"max_conns"`
	CreateTable bool   `mapstructure:"create_table"`

	// gcs
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`

	// pubsub
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`

	// tee
	Targets []string `mapstructure:"targets"`

	// limit
	Target string `mapstructure:"target"`
	Max    int    `mapstructure:"max"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STAGECRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("pipeline.entry", "")
	v.SetDefault("pipeline.url", "")
	v.SetDefault("pipeline.mode", ModeConcurrent)
	v.SetDefault("pipeline.max_workers", runtime.NumCPU())
	v.SetDefault("pipeline.reserve_entry_slots", true)
	v.SetDefault("fetcher.kind", FetcherColly)
	v.SetDefault("fetcher.user_agent", "stagecrawler/0.1")
	v.SetDefault("fetcher.timeout", 15*time.Second)
	v.SetDefault("fetcher.respect_robots", true)
	v.SetDefault("fetcher.rate_limit_per_domain", 0)
	v.SetDefault("fetcher.rate_limit_burst", 1)
	v.SetDefault("fetcher.headless.max_parallel", 1)
	v.SetDefault("fetcher.headless.nav_timeout", 25*time.Second)
	v.SetDefault("fetcher.headless.screenshot", false)
	v.SetDefault("fetcher.headless.promote", false)
	v.SetDefault("fetcher.headless.promotion_threshold", 2048)
	v.SetDefault("metrics.addr", "")
}

// Validate enforces required values and cross references between stages
// and cases.
func (c Config) Validate() error {
	var errs []error
	switch c.Pipeline.Mode {
	case ModeConcurrent, ModeSequential:
	default:
		errs = append(errs, fmt.Errorf("pipeline.mode must be %q or %q, got %q", ModeConcurrent, ModeSequential, c.Pipeline.Mode))
	}
	if c.Pipeline.MaxWorkers < 0 {
		errs = append(errs, errors.New("pipeline.max_workers must be >= 0"))
	}
	switch c.Fetcher.Kind {
	case FetcherColly, FetcherHeadless:
	default:
		errs = append(errs, fmt.Errorf("fetcher.kind must be %q or %q, got %q", FetcherColly, FetcherHeadless, c.Fetcher.Kind))
	}
	if c.Fetcher.Timeout <= 0 {
		errs = append(errs, errors.New("fetcher.timeout must be > 0"))
	}
	if c.Fetcher.RateLimitPerDomain < 0 {
		errs = append(errs, errors.New("fetcher.rate_limit_per_domain must be >= 0"))
	}
	if c.Fetcher.Headless.MaxParallel < 0 {
		errs = append(errs, errors.New("fetcher.headless.max_parallel must be >= 0"))
	}

	errs = append(errs, c.validateStages()...)
	errs = append(errs, c.validateCases()...)
	return errors.Join(errs...)
}

func (c Config) validateStages() []error {
	var errs []error
	names := make(map[string]bool, len(c.Stages))
	for i, s := range c.Stages {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("stages[%d].name is required", i))
			continue
		}
		if names[s.Name] {
			errs = append(errs, fmt.Errorf("stage %q declared twice", s.Name))
		}
		names[s.Name] = true
		if (s.Route.Pattern == "") != (s.Route.Template == "") {
			errs = append(errs, fmt.Errorf("stage %q: route needs both pattern and template", s.Name))
		}
		if s.Case != "" {
			if _, ok := c.Cases[s.Case]; !ok {
				errs = append(errs, fmt.Errorf("stage %q: unknown case %q", s.Name, s.Case))
			}
		}
		for _, field := range s.Require {
			if _, ok := s.Fields[strings.ToLower(field)]; !ok {
				errs = append(errs, fmt.Errorf("stage %q: required field %q is not extracted", s.Name, field))
			}
		}
	}
	for _, s := range c.Stages {
		if s.Next != "" && !names[s.Next] {
			errs = append(errs, fmt.Errorf("stage %q: unknown next stage %q", s.Name, s.Next))
		}
	}
	if c.Pipeline.Entry != "" && len(c.Stages) > 0 && !names[c.Pipeline.Entry] {
		errs = append(errs, fmt.Errorf("pipeline.entry %q is not a declared stage", c.Pipeline.Entry))
	}
	return errs
}

func (c Config) validateCases() []error {
	var errs []error
	for name, cs := range c.Cases {
		var missing string
		switch cs.Kind {
		case CaseMemory, CaseLog:
		case CaseFile:
			if cs.Dir == "" {
				missing = "dir"
			}
		case CasePostgres:
			if cs.DSN == "" {
				missing = "dsn"
			}
		case CaseGCS:
			if cs.Bucket == "" {
				missing = "bucket"
			}
		case CasePubSub:
			if cs.ProjectID == "" || cs.Topic == "" {
				missing = "project_id and topic"
			}
		case CaseTee:
			if len(cs.Targets) == 0 {
				missing = "targets"
			}
			for _, target := range cs.Targets {
				errs = append(errs, c.checkCaseRef(name, target)...)
			}
		case CaseLimit:
			if cs.Target == "" || cs.Max <= 0 {
				missing = "target and max > 0"
			} else {
				errs = append(errs, c.checkCaseRef(name, cs.Target)...)
			}
		default:
			errs = append(errs, fmt.Errorf("case %q: unknown kind %q", name, cs.Kind))
		}
		if missing != "" {
			errs = append(errs, fmt.Errorf("case %q (%s) requires %s", name, cs.Kind, missing))
		}
	}
	return errs
}

func (c Config) checkCaseRef(from, to string) []error {
	if to == from {
		return []error{fmt.Errorf("case %q cannot wrap itself", from)}
	}
	if _, ok := c.Cases[to]; !ok {
		return []error{fmt.Errorf("case %q: unknown target case %q", from, to)}
	}
	return nil
}
