package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// runConfig is the YAML shape written by init and consumed by run. Zero
// values fall back to the defaults, so a hand-trimmed config stays valid.
type runConfig struct {
	Name               string   `yaml:"name"`
	Environment        string   `yaml:"environment"`
	Controller         []string `yaml:"controller,omitempty"`
	Strategy           string   `yaml:"strategy"`
	Size               int      `yaml:"size"`
	Generations        int      `yaml:"generations"`
	Seed               int64    `yaml:"seed"`
	GenomeBytes        int      `yaml:"genome_bytes"`
	ScoreNoise         float64  `yaml:"score_noise"`
	CloneProbability   float64  `yaml:"clone_probability"`
	SpeciationDistance float64  `yaml:"speciation_distance"`
	StagnationLimit    int      `yaml:"stagnation_limit"`
	EliteSpeciesSize   int      `yaml:"elite_species_size"`
	LeaderboardSize    int      `yaml:"leaderboard_size"`
	HallOfFameSize     int      `yaml:"hall_of_fame_size"`
	Store              string   `yaml:"store"`
	DBPath             string   `yaml:"db_path"`
}

func defaultRunConfig() runConfig {
	return runConfig{
		Name:            "demo",
		Environment:     "byte-sum",
		Strategy:        "generation",
		Size:            20,
		Generations:     5,
		Seed:            1,
		GenomeBytes:     16,
		ScoreNoise:      0.05,
		LeaderboardSize: 5,
		HallOfFameSize:  5,
		Store:           "memory",
		DBPath:          defaultDBPath,
	}
}

func (c *runConfig) applyDefaults() {
	defaults := defaultRunConfig()
	if c.Name == "" {
		c.Name = defaults.Name
	}
	if c.Environment == "" {
		c.Environment = defaults.Environment
	}
	if c.Strategy == "" {
		c.Strategy = defaults.Strategy
	}
	if c.Size <= 0 {
		c.Size = defaults.Size
	}
	if c.Generations <= 0 {
		c.Generations = defaults.Generations
	}
	if c.GenomeBytes <= 0 {
		c.GenomeBytes = defaults.GenomeBytes
	}
	if c.ScoreNoise < 0 {
		c.ScoreNoise = defaults.ScoreNoise
	}
	if c.LeaderboardSize <= 0 {
		c.LeaderboardSize = defaults.LeaderboardSize
	}
	if c.HallOfFameSize <= 0 {
		c.HallOfFameSize = defaults.HallOfFameSize
	}
	if c.Store == "" {
		c.Store = defaults.Store
	}
	if c.DBPath == "" {
		c.DBPath = defaults.DBPath
	}
}

// loadRunConfig reads a YAML run config. Unknown keys are rejected so a
// typo cannot silently fall back to a default.
func loadRunConfig(path string) (runConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return runConfig{}, err
	}

	var cfg runConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return runConfig{}, fmt.Errorf("parse run config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// writeRunConfig creates the config file, refusing to overwrite unless
// force is set.
func writeRunConfig(path string, cfg runConfig, force bool) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode run config: %w", err)
	}
	flags := os.O_CREATE | os.O_EXCL | os.O_WRONLY
	if force {
		flags = os.O_CREATE | os.O_TRUNC | os.O_WRONLY
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("run config already exists: %s (use --force to overwrite)", path)
		}
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// overrideFromFlags lets explicitly set flags win over config file values.
func overrideFromFlags(cfg *runConfig, set map[string]bool, flagValue map[string]any) {
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "name":
			cfg.Name = v.(string)
		case "environment":
			cfg.Environment = v.(string)
		case "strategy":
			cfg.Strategy = v.(string)
		case "size":
			cfg.Size = v.(int)
		case "gens":
			cfg.Generations = v.(int)
		case "seed":
			cfg.Seed = v.(int64)
		case "genome-bytes":
			cfg.GenomeBytes = v.(int)
		case "noise":
			cfg.ScoreNoise = v.(float64)
		case "clone-prob":
			cfg.CloneProbability = v.(float64)
		case "speciation-distance":
			cfg.SpeciationDistance = v.(float64)
		case "stagnation-limit":
			cfg.StagnationLimit = v.(int)
		case "elite-species-size":
			cfg.EliteSpeciesSize = v.(int)
		case "leaderboard":
			cfg.LeaderboardSize = v.(int)
		case "halloffame":
			cfg.HallOfFameSize = v.(int)
		case "store":
			cfg.Store = v.(string)
		case "db-path":
			cfg.DBPath = v.(string)
		}
	}
}
