package config

import (
	"io"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// DateLayout is the calendar date format used for config dates.
const DateLayout = "2006-01-02"

// Config holds the full application configuration.
type Config struct {
	Paths      PathsConfig      `yaml:"paths" mapstructure:"paths"`
	Engine     EngineConfig     `yaml:"engine" mapstructure:"engine"`
	Audit      AuditConfig      `yaml:"audit" mapstructure:"audit"`
	Ghost      GhostConfig      `yaml:"ghost" mapstructure:"ghost"`
	Imputation ImputationConfig `yaml:"imputation" mapstructure:"imputation"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// PathsConfig locates inputs produced by the download collaborators and the
// directories outputs are written to.
type PathsConfig struct {
	RawDir       string `yaml:"raw_dir" mapstructure:"raw_dir"`
	ProcessedDir string `yaml:"processed_dir" mapstructure:"processed_dir"`
	AuditDir     string `yaml:"audit_dir" mapstructure:"audit_dir"`
	OutputDir    string `yaml:"output_dir" mapstructure:"output_dir"`
	ZoneLookup   string `yaml:"zone_lookup" mapstructure:"zone_lookup"`
	WeatherFile  string `yaml:"weather_file" mapstructure:"weather_file"`
}

// EngineConfig configures the embedded DuckDB engine.
type EngineConfig struct {
	Path        string `yaml:"path" mapstructure:"path"` // empty = in-memory
	Threads     int    `yaml:"threads" mapstructure:"threads"`
	MemoryLimit string `yaml:"memory_limit" mapstructure:"memory_limit"`
}

// AuditConfig holds the analysis window and ranking parameters.
type AuditConfig struct {
	AnalysisYear    int    `yaml:"analysis_year" mapstructure:"analysis_year"`
	ComparisonYear  int    `yaml:"comparison_year" mapstructure:"comparison_year"`
	TollStartDate   string `yaml:"toll_start_date" mapstructure:"toll_start_date"`
	Quarter         int    `yaml:"quarter" mapstructure:"quarter"`
	ExpectedMonths  []int  `yaml:"expected_months" mapstructure:"expected_months"`
	TopVendors      int    `yaml:"top_vendors" mapstructure:"top_vendors"`
	TopHotspots     int    `yaml:"top_hotspots" mapstructure:"top_hotspots"`
	HotspotMinTrips int    `yaml:"hotspot_min_trips" mapstructure:"hotspot_min_trips"`
	SchemaWorkers   int    `yaml:"schema_workers" mapstructure:"schema_workers"`
}

// GhostConfig holds the ghost-trip rule thresholds.
type GhostConfig struct {
	MaxSpeedMPH          float64 `yaml:"max_speed_mph" mapstructure:"max_speed_mph"`
	TeleporterMaxMinutes float64 `yaml:"teleporter_max_minutes" mapstructure:"teleporter_max_minutes"`
	TeleporterMinFare    float64 `yaml:"teleporter_min_fare" mapstructure:"teleporter_min_fare"`
}

// ImputationConfig holds the blend weights for missing-month imputation.
type ImputationConfig struct {
	PriorWeight  float64 `yaml:"prior_weight" mapstructure:"prior_weight"`
	RecentWeight float64 `yaml:"recent_weight" mapstructure:"recent_weight"`
}

// StoreConfig configures the run ledger backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the read-only results server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// TollStart returns the parsed toll effective date (UTC midnight).
func (a AuditConfig) TollStart() (time.Time, error) {
	t, err := time.Parse(DateLayout, a.TollStartDate)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "config: parse toll_start_date %q", a.TollStartDate)
	}
	return t, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if _, err := c.Audit.TollStart(); err != nil {
		return err
	}
	if c.Audit.Quarter < 1 || c.Audit.Quarter > 4 {
		return eris.Errorf("config: audit.quarter must be 1-4, got %d", c.Audit.Quarter)
	}
	if c.Audit.ComparisonYear >= c.Audit.AnalysisYear {
		return eris.Errorf("config: audit.comparison_year (%d) must precede analysis_year (%d)",
			c.Audit.ComparisonYear, c.Audit.AnalysisYear)
	}
	for _, m := range c.Audit.ExpectedMonths {
		if m < 1 || m > 12 {
			return eris.Errorf("config: audit.expected_months contains invalid month %d", m)
		}
	}
	if c.Audit.HotspotMinTrips < 1 {
		return eris.New("config: audit.hotspot_min_trips must be positive")
	}
	if c.Ghost.MaxSpeedMPH <= 0 || c.Ghost.TeleporterMaxMinutes <= 0 {
		return eris.New("config: ghost.max_speed_mph and ghost.teleporter_max_minutes must be positive")
	}
	if c.Ghost.TeleporterMinFare < 0 {
		return eris.New("config: ghost.teleporter_min_fare must not be negative")
	}
	w := c.Imputation.PriorWeight + c.Imputation.RecentWeight
	if c.Imputation.PriorWeight < 0 || c.Imputation.RecentWeight < 0 || w < 0.999 || w > 1.001 {
		return eris.Errorf("config: imputation weights must be non-negative and sum to 1, got %.3f + %.3f",
			c.Imputation.PriorWeight, c.Imputation.RecentWeight)
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("AUDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("paths.raw_dir", "data/raw")
	v.SetDefault("paths.processed_dir", "data/processed")
	v.SetDefault("paths.audit_dir", "data/audit_log")
	v.SetDefault("paths.output_dir", "outputs")
	v.SetDefault("paths.zone_lookup", "data/raw/taxi_zone_lookup.csv")
	v.SetDefault("paths.weather_file", "data/raw/weather_2025.csv")
	v.SetDefault("engine.path", "")
	v.SetDefault("engine.threads", 0)
	v.SetDefault("engine.memory_limit", "")
	v.SetDefault("audit.analysis_year", 2025)
	v.SetDefault("audit.comparison_year", 2024)
	v.SetDefault("audit.toll_start_date", "2025-01-05")
	v.SetDefault("audit.quarter", 1)
	v.SetDefault("audit.expected_months", []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})
	v.SetDefault("audit.top_vendors", 5)
	v.SetDefault("audit.top_hotspots", 3)
	v.SetDefault("audit.hotspot_min_trips", 100)
	v.SetDefault("audit.schema_workers", 4)
	v.SetDefault("ghost.max_speed_mph", 65.0)
	v.SetDefault("ghost.teleporter_max_minutes", 1.0)
	v.SetDefault("ghost.teleporter_min_fare", 20.0)
	v.SetDefault("imputation.prior_weight", 0.3)
	v.SetDefault("imputation.recent_weight", 0.7)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "audit.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// WriteYAML renders the configuration as a config.yaml document.
func (c *Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return eris.Wrap(err, "config: encode yaml")
	}
	return eris.Wrap(enc.Close(), "config: close yaml encoder")
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
