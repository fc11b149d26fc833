// Package config handles configuration loading for the PseudoSpot server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pseudospot/server/internal/synth"
)

// Config represents the server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Data       DataConfig       `yaml:"data"`
	Cache      CacheConfig      `yaml:"cache"`
	Simulation SimulationConfig `yaml:"simulation"`
	Jobs       JobsConfig       `yaml:"jobs"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	Title       string   `yaml:"title"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DatasetConfig describes one input dataset: either a 10x-style triplet
// directory or a TileDB-SOMA experiment.
type DatasetConfig struct {
	MatrixDir    string `yaml:"matrix_dir"`
	SomaPath     string `yaml:"soma_path"`
	TypeColumn   string `yaml:"type_column"`
	RegionColumn string `yaml:"region_column"`
}

// DataConfig contains the configured datasets. YAML order is preserved so
// the first dataset is the default.
type DataConfig struct {
	Datasets       map[string]DatasetConfig
	DefaultDataset string
	order          []string
}

// UnmarshalYAML decodes the data section as an ordered map of datasets.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("config: data section must be a mapping")
	}
	d.Datasets = make(map[string]DatasetConfig)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		var ds DatasetConfig
		if err := node.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("config: dataset %q: %w", key, err)
		}
		d.Datasets[key] = ds
		d.order = append(d.order, key)
	}
	if len(d.order) > 0 {
		d.DefaultDataset = d.order[0]
	}
	return nil
}

// DatasetIDs returns dataset IDs in config order.
func (d *DataConfig) DatasetIDs() []string {
	return d.order
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ArtifactSizeMB     int `yaml:"artifact_size_mb"`
	ArtifactTTLMinutes int `yaml:"artifact_ttl_minutes"`
	QueryCacheSize     int `yaml:"query_cache_size"`
}

// SimulationConfig carries default generation parameters; submitted jobs
// may override any of them.
type SimulationConfig struct {
	Strategy    string  `yaml:"strategy"`
	SpotsMin    int     `yaml:"spots_min"`
	SpotsMax    int     `yaml:"spots_max"`
	DepthMean   float64 `yaml:"depth_mean"`
	DepthSD     float64 `yaml:"depth_sd"`
	DepthMin    int64   `yaml:"depth_min"`
	Budget      int     `yaml:"budget"`
	MockRegion  bool    `yaml:"mock_region"`
	UniqueCells bool    `yaml:"unique_cells"`
}

// JobsConfig contains simulation job manager settings.
type JobsConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads configuration from a YAML file. A missing file yields the
// default configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			Title:       "PseudoSpot",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Data: DataConfig{
			Datasets: map[string]DatasetConfig{
				"default": {MatrixDir: "./data/matrix"},
			},
			DefaultDataset: "default",
			order:          []string{"default"},
		},
		Cache: CacheConfig{
			ArtifactSizeMB:     256,
			ArtifactTTLMinutes: 30,
			QueryCacheSize:     1000,
		},
		Simulation: SimulationConfig{
			Strategy:  string(synth.StrategyProportional),
			SpotsMin:  synth.DefaultSpotsMin,
			SpotsMax:  synth.DefaultSpotsMax,
			DepthMean: synth.DefaultDepthMean,
			DepthSD:   synth.DefaultDepthSD,
			DepthMin:  synth.DefaultDepthMin,
			Budget:    synth.DefaultBudget,
		},
		Jobs: JobsConfig{
			SQLitePath:    "./data/sim_jobs.sqlite",
			MaxConcurrent: 1,
			RetentionDays: 7,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if len(cfg.Data.Datasets) == 0 {
		cfg.Data = defaults.Data
	}
	if cfg.Cache.ArtifactSizeMB == 0 {
		cfg.Cache.ArtifactSizeMB = defaults.Cache.ArtifactSizeMB
	}
	if cfg.Cache.ArtifactTTLMinutes == 0 {
		cfg.Cache.ArtifactTTLMinutes = defaults.Cache.ArtifactTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Simulation.Strategy == "" {
		cfg.Simulation.Strategy = defaults.Simulation.Strategy
	}
	if cfg.Simulation.SpotsMin == 0 && cfg.Simulation.SpotsMax == 0 {
		cfg.Simulation.SpotsMin = defaults.Simulation.SpotsMin
		cfg.Simulation.SpotsMax = defaults.Simulation.SpotsMax
	}
	if cfg.Simulation.DepthMean == 0 {
		cfg.Simulation.DepthMean = defaults.Simulation.DepthMean
	}
	if cfg.Simulation.DepthSD == 0 {
		cfg.Simulation.DepthSD = defaults.Simulation.DepthSD
	}
	if cfg.Simulation.DepthMin == 0 {
		cfg.Simulation.DepthMin = defaults.Simulation.DepthMin
	}
	if cfg.Simulation.Budget == 0 {
		cfg.Simulation.Budget = defaults.Simulation.Budget
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = defaults.Jobs.SQLitePath
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
}

// Params converts the simulation defaults into generation parameters.
func (s SimulationConfig) Params() synth.Params {
	return synth.Params{
		Strategy:    synth.Strategy(s.Strategy),
		SpotsMin:    s.SpotsMin,
		SpotsMax:    s.SpotsMax,
		DepthMean:   s.DepthMean,
		DepthSD:     s.DepthSD,
		DepthMin:    s.DepthMin,
		Budget:      s.Budget,
		MockRegion:  s.MockRegion,
		UniqueCells: s.UniqueCells,
	}
}
