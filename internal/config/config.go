package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

type Config struct {
	SiteCount     int    `toml:"site-count"`     // Sites are numbered 1..SiteCount.
	VariableCount int    `toml:"variable-count"` // Variables are numbered 1..VariableCount.
	LogLevel      string `toml:"log-level"`
	LogFile       string `toml:"log-file"`        // Diagnostic log file, stderr when empty.
	LogMaxSizeMB  int    `toml:"log-max-size"`    // Size in MB at which the log file is rotated.
	LogMaxBackups int    `toml:"log-max-backups"` // Rotated log files to keep.
	HistoryFile   string `toml:"history-file"`    // Readline history for interactive mode.
	Prompt        string `toml:"prompt"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func getLogLevel() (logLevel string) {
	logLevel = "warn"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		SiteCount:     10,
		VariableCount: 20,
		LogLevel:      getLogLevel(),
		LogMaxSizeMB:  64,
		LogMaxBackups: 3,
		HistoryFile:   "/tmp/repcrec.history",
		Prompt:        "repcrec> ",
	}
}

// LoadConfig reads a TOML file on top of the defaults. Keys missing from the file keep their default value.
func LoadConfig(path string) (*Config, error) {
	conf := NewDefaultConfig()
	if path == "" {
		return conf, nil
	}
	if _, err := toml.DecodeFile(path, conf); err != nil {
		return nil, errors.Annotatef(err, "load config %s", path)
	}
	return conf, nil
}

func (c *Config) Validate() error {
	if c.SiteCount <= 0 {
		return errors.Errorf("site count must be greater than 0, got %d", c.SiteCount)
	}
	if c.VariableCount < 2 {
		return errors.Errorf("variable count must be at least 2, got %d", c.VariableCount)
	}
	if !validLogLevels[c.LogLevel] {
		return errors.Errorf("unknown log level %q", c.LogLevel)
	}
	if c.LogFile != "" && c.LogMaxSizeMB <= 0 {
		return errors.Errorf("log max size must be greater than 0 when logging to a file")
	}
	return nil
}
