package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the smelt configuration file (~/.config/smelt/config.yaml).
// Numeric fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	ModelDir  string `yaml:"model_dir"`
	Device    string `yaml:"device"`
	MaxSeqLen *int   `yaml:"max_seq_len"`

	// Fusion
	OutputDir string `yaml:"output_dir"`
	DType     string `yaml:"dtype"`
	Mode      string `yaml:"mode"`
	Workers   *int   `yaml:"workers"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "smelt", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't
// exist or can't be parsed.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	cfg, err := loadConfigFile(path)
	if err != nil {
		return Config{}
	}
	return cfg
}

func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyModelConfig applies config file defaults to the shared model flags
// when the corresponding CLI flag was not explicitly set.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.ModelDir != "" && !c.IsSet("model") {
		modelDir = cfg.ModelDir
	}
	if cfg.Device != "" && !c.IsSet("device") {
		device = cfg.Device
	}
	if cfg.MaxSeqLen != nil && !c.IsSet("max-seq-len") {
		maxSeqLen = *cfg.MaxSeqLen
	}
}

func applyFuseConfig(c *cli.Command, cfg Config, out, dtype, mode *string, workers *int) {
	applyModelConfig(c, cfg)
	if cfg.OutputDir != "" && !c.IsSet("out") {
		*out = cfg.OutputDir
	}
	if cfg.DType != "" && !c.IsSet("dtype") {
		*dtype = cfg.DType
	}
	if cfg.Mode != "" && !c.IsSet("mode") {
		*mode = cfg.Mode
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		*workers = *cfg.Workers
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr, out, mode *string, workers *int) {
	applyModelConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.OutputDir != "" && !c.IsSet("out") {
		*out = cfg.OutputDir
	}
	if cfg.Mode != "" && !c.IsSet("mode") {
		*mode = cfg.Mode
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		*workers = *cfg.Workers
	}
}
