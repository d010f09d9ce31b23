package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment overrides. They win over file values so deployments can
// point the same config at a different journal.
const (
	EnvLogLevel      = "RISKENGINE_LOG_LEVEL"
	EnvLogFile       = "RISKENGINE_LOG_FILE"
	EnvJournalType   = "RISKENGINE_JOURNAL_TYPE"
	EnvJournalPath   = "RISKENGINE_JOURNAL_PATH"
	EnvJournalDSN    = "RISKENGINE_JOURNAL_DSN"
	EnvExecutionMode = "RISKENGINE_EXECUTION_MODE"
	EnvMinStrength   = "RISKENGINE_MIN_STRENGTH"
)

// LoadEnv reads .env style files into the process environment. Missing
// files are skipped; existing variables are never overwritten.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ApplyEnv copies set environment overrides into cfg.
func ApplyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv(EnvLogLevel); ok {
		cfg.Log.Level = v
	}
	if v, ok := os.LookupEnv(EnvLogFile); ok {
		cfg.Log.File = v
	}
	if v, ok := os.LookupEnv(EnvJournalType); ok {
		cfg.Journal.Type = v
	}
	if v, ok := os.LookupEnv(EnvJournalPath); ok {
		cfg.Journal.DBPath = v
	}
	if v, ok := os.LookupEnv(EnvJournalDSN); ok {
		cfg.Journal.DSN = v
	}
	if v, ok := os.LookupEnv(EnvExecutionMode); ok {
		cfg.Engine.ExecutionMode = v
	}
	if v, ok := os.LookupEnv(EnvMinStrength); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		cfg.Engine.MinStrength = f
	}
	return cfg.Validate()
}
