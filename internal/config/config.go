// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Analysis policy values.
const (
	// SanitizerTrust makes a call matched by a `safe` rule reset its result to Safe.
	SanitizerTrust = "trust"
	// SanitizerDistrust treats sanitizer calls like any other call: the result
	// joins the taint of the receiver and arguments.
	SanitizerDistrust = "distrust"

	// UnknownAsTainted reports sinks reached by Unknown data (fail-closed).
	UnknownAsTainted = "tainted"
	// UnknownIgnored only reports sinks reached by Tainted data.
	UnknownIgnored = "ignore"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Engine() EngineConfig
	Corpus() CorpusConfig
	Analysis() AnalysisConfig
	Scanners() ScannersConfig
	Report() ReportConfig
	Cache() CacheConfig
	Store() StoreConfig
	Metrics() MetricsConfig
	Scan() ScanConfig
	SetScanConfig(sc ScanConfig)

	// Engine Setters
	SetEngineWorkerConcurrency(int)

	// Analysis Setters
	SetAnalysisSanitizerPolicy(string)
	SetAnalysisUnknownAtSink(string)

	// Report Setters
	SetReportMinScore(int)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	EngineCfg   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	CorpusCfg   CorpusConfig   `mapstructure:"corpus" yaml:"corpus"`
	AnalysisCfg AnalysisConfig `mapstructure:"analysis" yaml:"analysis"`
	ScannersCfg ScannersConfig `mapstructure:"scanners" yaml:"scanners"`
	ReportCfg   ReportConfig   `mapstructure:"report" yaml:"report"`
	CacheCfg    CacheConfig    `mapstructure:"cache" yaml:"cache"`
	StoreCfg    StoreConfig    `mapstructure:"store" yaml:"store"`
	MetricsCfg  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	// ScanCfg gets its marching orders from CLI flags, not the config file.
	ScanCfg ScanConfig `mapstructure:"-" yaml:"-"`
}

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Engine() EngineConfig     { return c.EngineCfg }
func (c *Config) Corpus() CorpusConfig     { return c.CorpusCfg }
func (c *Config) Analysis() AnalysisConfig { return c.AnalysisCfg }
func (c *Config) Scanners() ScannersConfig { return c.ScannersCfg }
func (c *Config) Report() ReportConfig     { return c.ReportCfg }
func (c *Config) Cache() CacheConfig       { return c.CacheCfg }
func (c *Config) Store() StoreConfig       { return c.StoreCfg }
func (c *Config) Metrics() MetricsConfig   { return c.MetricsCfg }
func (c *Config) Scan() ScanConfig         { return c.ScanCfg }

// SetScanConfig stores the per-invocation settings collected from the CLI.
func (c *Config) SetScanConfig(sc ScanConfig) { c.ScanCfg = sc }

func (c *Config) SetEngineWorkerConcurrency(w int) { c.EngineCfg.WorkerConcurrency = w }

func (c *Config) SetAnalysisSanitizerPolicy(p string) { c.AnalysisCfg.SanitizerPolicy = p }
func (c *Config) SetAnalysisUnknownAtSink(p string)   { c.AnalysisCfg.UnknownAtSink = p }

func (c *Config) SetReportMinScore(s int) { c.ReportCfg.MinScore = s }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
}

// EngineConfig configures the file processing pool.
type EngineConfig struct {
	WorkerConcurrency int           `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
	FileTimeout       time.Duration `mapstructure:"file_timeout" yaml:"file_timeout"`
	MaxFileSize       int64         `mapstructure:"max_file_size" yaml:"max_file_size"`
}

// CorpusConfig points at the rule corpus. An empty path selects the built-in corpus.
type CorpusConfig struct {
	Path   string `mapstructure:"path" yaml:"path"`
	Strict bool   `mapstructure:"strict" yaml:"strict"`
}

// AnalysisConfig holds the taint propagation policies.
type AnalysisConfig struct {
	SanitizerPolicy string `mapstructure:"sanitizer_policy" yaml:"sanitizer_policy"`
	UnknownAtSink   string `mapstructure:"unknown_at_sink" yaml:"unknown_at_sink"`
	// TaintFlowScore is used for flows into sinks whose rule carries no detection score.
	TaintFlowScore int  `mapstructure:"taint_flow_score" yaml:"taint_flow_score"`
	MaxProvenance  int  `mapstructure:"max_provenance" yaml:"max_provenance"`
	StrictSyntax   bool `mapstructure:"strict_syntax" yaml:"strict_syntax"`
}

// ScannersConfig toggles the auxiliary scanners.
type ScannersConfig struct {
	Files   bool        `mapstructure:"files" yaml:"files"`
	Strings bool        `mapstructure:"strings" yaml:"strings"`
	Typos   TyposConfig `mapstructure:"typos" yaml:"typos"`
}

// TyposConfig configures typosquatting detection for requirement files.
type TyposConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	PopularFile string `mapstructure:"popular_file" yaml:"popular_file"`
	MaxDistance int    `mapstructure:"max_distance" yaml:"max_distance"`
	Score       int    `mapstructure:"score" yaml:"score"`
}

// ReportConfig controls the structured output.
type ReportConfig struct {
	Format    string `mapstructure:"format" yaml:"format"`
	MinScore  int    `mapstructure:"min_score" yaml:"min_score"`
	FailScore int    `mapstructure:"fail_score" yaml:"fail_score"`
}

// CacheConfig configures the on-disk result cache.
type CacheConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Path     string `mapstructure:"path" yaml:"path"`
	InMemory bool   `mapstructure:"in_memory" yaml:"in_memory"`
}

// StoreConfig holds the database connection details.
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	URL     string `mapstructure:"url" yaml:"url"`
}

// MetricsConfig configures the Prometheus textfile written after a run.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile" yaml:"textfile"`
}

// ScanConfig holds settings populated from CLI flags for a specific scan job.
type ScanConfig struct {
	Paths       []string
	Output      string
	Format      string
	Concurrency int
	Persist     bool
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "rulescope")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Engine --
	v.SetDefault("engine.worker_concurrency", 8)
	v.SetDefault("engine.file_timeout", "30s")
	v.SetDefault("engine.max_file_size", 10*1024*1024)

	// -- Corpus --
	v.SetDefault("corpus.path", "")
	v.SetDefault("corpus.strict", false)

	// -- Analysis --
	v.SetDefault("analysis.sanitizer_policy", SanitizerTrust)
	v.SetDefault("analysis.unknown_at_sink", UnknownAsTainted)
	v.SetDefault("analysis.taint_flow_score", 10)
	v.SetDefault("analysis.max_provenance", 16)
	v.SetDefault("analysis.strict_syntax", false)

	// -- Scanners --
	v.SetDefault("scanners.files", true)
	v.SetDefault("scanners.strings", true)
	v.SetDefault("scanners.typos.enabled", true)
	v.SetDefault("scanners.typos.popular_file", "")
	v.SetDefault("scanners.typos.max_distance", 2)
	v.SetDefault("scanners.typos.score", 10)

	// -- Report --
	v.SetDefault("report.format", "json")
	v.SetDefault("report.min_score", 0)
	v.SetDefault("report.fail_score", 0)

	// -- Cache --
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.path", "~/.cache/rulescope")
	v.SetDefault("cache.in_memory", false)

	// -- Store --
	v.SetDefault("store.enabled", false)
	v.SetDefault("store.url", "")

	// -- Metrics --
	v.SetDefault("metrics.textfile", "")
}

// NewConfigFromViper unmarshals and validates the configuration held by v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// The connection string usually carries a password; keep it out of files.
	_ = v.BindEnv("store.url", "RULESCOPE_STORE_URL", "DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.CorpusCfg.Path, &c.CacheCfg.Path, &c.LoggerCfg.LogFile, &c.ScannersCfg.Typos.PopularFile} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.EngineCfg.WorkerConcurrency <= 0 {
		return fmt.Errorf("engine.worker_concurrency must be a positive integer")
	}
	if c.EngineCfg.MaxFileSize <= 0 {
		return fmt.Errorf("engine.max_file_size must be a positive integer")
	}
	if err := c.AnalysisCfg.Validate(); err != nil {
		return fmt.Errorf("analysis configuration invalid: %w", err)
	}
	if c.ScannersCfg.Typos.Enabled && c.ScannersCfg.Typos.MaxDistance <= 0 {
		return fmt.Errorf("scanners.typos.max_distance must be a positive integer")
	}
	if c.StoreCfg.Enabled && c.StoreCfg.URL == "" {
		return fmt.Errorf("store.url is required when store.enabled is true")
	}
	if c.CacheCfg.Enabled && !c.CacheCfg.InMemory && c.CacheCfg.Path == "" {
		return fmt.Errorf("cache.path is required when the cache is persistent")
	}
	switch c.ReportCfg.Format {
	case "json", "jsonl", "yaml", "sarif", "text":
	default:
		return fmt.Errorf("report.format must be one of json, jsonl, yaml, sarif, text (got %q)", c.ReportCfg.Format)
	}
	return nil
}

// Validate checks the analysis policies.
func (a *AnalysisConfig) Validate() error {
	switch a.SanitizerPolicy {
	case SanitizerTrust, SanitizerDistrust:
	default:
		return fmt.Errorf("sanitizer_policy must be %q or %q (got %q)", SanitizerTrust, SanitizerDistrust, a.SanitizerPolicy)
	}
	switch a.UnknownAtSink {
	case UnknownAsTainted, UnknownIgnored:
	default:
		return fmt.Errorf("unknown_at_sink must be %q or %q (got %q)", UnknownAsTainted, UnknownIgnored, a.UnknownAtSink)
	}
	if a.TaintFlowScore < 0 {
		return fmt.Errorf("taint_flow_score cannot be negative")
	}
	if a.MaxProvenance <= 0 {
		return fmt.Errorf("max_provenance must be a positive integer")
	}
	return nil
}
