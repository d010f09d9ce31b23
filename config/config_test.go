package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	assert.Equal(t, ModeDeferred, cfg.Engine.ExecutionMode)
	assert.Equal(t, 0.6, cfg.Engine.MinStrength)
	assert.Equal(t, 4, cfg.Engine.MaxScaleCount)
	assert.Len(t, cfg.Ladder, 4)
	assert.Equal(t, StageConfig{Leverage: 20, BankrollPct: 0.01}, cfg.Ladder[0])
	assert.InDelta(t, 1.0, cfg.Risk.Weights.Sum(), 1e-12)
	assert.Equal(t, 15*time.Minute, cfg.Signals.Expiry())
	assert.Equal(t, 5*time.Minute, cfg.Engine.RiskInterval())
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"valid config", func(*Config) {}, ""},
		{"bad mode", func(c *Config) { c.Engine.ExecutionMode = "later" }, "execution_mode"},
		{"strength above one", func(c *Config) { c.Engine.MinStrength = 1.5 }, "engine.min_strength must be between 0 and 1"},
		{"zero scale count", func(c *Config) { c.Engine.MaxScaleCount = 0 }, "max_scale_count must be positive"},
		{"scale count beyond ladder", func(c *Config) { c.Engine.MaxScaleCount = 5 }, "exceeds ladder length"},
		{"ml ensemble", func(c *Config) { c.Signals.AggregationType = "ml_ensemble" }, "aggregation_type"},
		{"empty ladder", func(c *Config) { c.Ladder = nil }, "at least one stage"},
		{
			"leverage rises",
			func(c *Config) { c.Ladder[1].Leverage = 25 },
			"ladder stage 2: leverage",
		},
		{
			"bankroll falls",
			func(c *Config) { c.Ladder[2].BankrollPct = 0.005 },
			"ladder stage 3: bankroll_pct",
		},
		{
			"trailing loosens",
			func(c *Config) { c.Trailing.Final = 0.5 },
			"trailing distances must only tighten",
		},
		{
			"weights off",
			func(c *Config) { c.Risk.Weights.Correlation = 0.2 },
			"risk.weights must sum to 1.0",
		},
		{
			"duplicate vault",
			func(c *Config) { c.Vaults = append(c.Vaults, c.Vaults[0]) },
			"duplicate vault id",
		},
		{
			"bad timezone",
			func(c *Config) { c.Vaults[0].Timezone = "Mars/Olympus" },
			"vault VAULT-001",
		},
		{
			"sqlite without path",
			func(c *Config) { c.Journal.Type = "sqlite" },
			"journal db_path required",
		},
		{
			"postgres without dsn",
			func(c *Config) { c.Journal.Type = "postgres" },
			"journal dsn required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()

	for _, name := range []string{"engine.yaml", "engine.json"} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(tmpDir, name)
			cfg := Default()
			cfg.Signals.Reliability = map[string]float64{"momentum": 0.8}
			cfg.Vaults[0].Timezone = "America/New_York"
			require.NoError(t, cfg.SaveToFile(path))

			loaded, err := LoadFromFile(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded)
		})
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	t.Parallel()

	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  execution_mode: sometime\n"), 0o644))
	_, err = LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "partial.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  min_strength: 0.7\n"), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 0.7, cfg.Engine.MinStrength)
	assert.Equal(t, 0.7, cfg.Engine.MinConfidence)
	assert.Len(t, cfg.Ladder, 4)
	assert.Empty(t, cfg.Vaults)
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Signals.Reliability = map[string]float64{"a": 0.5}
	cp := cfg.Clone()
	cp.Ladder[0].Leverage = 99
	cp.Signals.Reliability["a"] = 0.9
	cp.Vaults[0].ID = "other"

	assert.Equal(t, 20.0, cfg.Ladder[0].Leverage)
	assert.Equal(t, 0.5, cfg.Signals.Reliability["a"])
	assert.Equal(t, "VAULT-001", cfg.Vaults[0].ID)
}

func TestApplySystemConfiguration(t *testing.T) {
	t.Parallel()

	cfg, err := ApplySystemConfiguration(Default(), map[string]string{
		KeyLeverageStages:         "[25, 10, 4]",
		KeyBankrollPercentages:    "1, 3, 6",
		KeyTrailingStopInitial:    "40%",
		KeyMaxDailyLoss:           "3",
		KeySignalExpiryMinutes:    "10",
		KeyMaxScaleCount:          "3",
		KeyMinimumProfitThreshold: "70",
		"some_future_setting":     "on",
	})
	require.NoError(t, err)

	assert.Equal(t, []StageConfig{
		{Leverage: 25, BankrollPct: 0.01},
		{Leverage: 10, BankrollPct: 0.03},
		{Leverage: 4, BankrollPct: 0.06},
	}, cfg.Ladder)
	assert.InDelta(t, 0.40, cfg.Trailing.Initial, 1e-12)
	assert.InDelta(t, 0.03, cfg.Limits.MaxDailyLoss, 1e-12)
	assert.InDelta(t, 0.70, cfg.Trailing.MinimumProfitThreshold, 1e-12)
	assert.Equal(t, 10, cfg.Signals.ExpiryMinutes)
	assert.Equal(t, 3, cfg.Engine.MaxScaleCount)
}

func TestApplySystemConfigurationRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		kv   map[string]string
	}{
		{"mismatched ladder", map[string]string{KeyLeverageStages: "20,10", KeyBankrollPercentages: "1,2,3"}},
		{"non monotonic", map[string]string{KeyLeverageStages: "5,10,20,40"}},
		{"garbage number", map[string]string{KeyMaxScaleCount: "four"}},
		{"bad json", map[string]string{KeyLeverageStages: "[20,"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			base := Default()
			_, err := ApplySystemConfiguration(base, tt.kv)
			assert.Error(t, err)
			assert.Equal(t, Default(), base)
		})
	}
}

func TestSystemConfigurationRoundTrip(t *testing.T) {
	t.Parallel()

	kv := SystemConfiguration(Default())
	assert.Equal(t, "[20,10,5,2]", kv[KeyLeverageStages])
	assert.Equal(t, "[1,2,4,8]", kv[KeyBankrollPercentages])
	assert.Equal(t, "30", kv[KeyTrailingStopInitial])

	cfg, err := ApplySystemConfiguration(Default(), kv)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.01, 0.02, 0.04, 0.08},
		[]float64{cfg.Ladder[0].BankrollPct, cfg.Ladder[1].BankrollPct, cfg.Ladder[2].BankrollPct, cfg.Ladder[3].BankrollPct}, 1e-12)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvJournalType, "sqlite")
	t.Setenv(EnvJournalPath, "/tmp/engine.db")
	t.Setenv(EnvMinStrength, "0.65")

	cfg := Default()
	require.NoError(t, ApplyEnv(cfg))
	assert.Equal(t, "sqlite", cfg.Journal.Type)
	assert.Equal(t, "/tmp/engine.db", cfg.Journal.DBPath)
	assert.Equal(t, 0.65, cfg.Engine.MinStrength)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte(EnvExecutionMode+"=immediate\n"), 0o644))
	t.Setenv(EnvExecutionMode, "")
	require.NoError(t, os.Unsetenv(EnvExecutionMode))

	require.NoError(t, LoadEnv(path, filepath.Join(t.TempDir(), "missing.env")))
	assert.Equal(t, "immediate", os.Getenv(EnvExecutionMode))

	cfg := Default()
	require.NoError(t, ApplyEnv(cfg))
	assert.Equal(t, ModeImmediate, cfg.Engine.ExecutionMode)
}

func TestStoreUpdateAndSubscribe(t *testing.T) {
	t.Parallel()

	s, err := NewStore(Default())
	require.NoError(t, err)

	var calls atomic.Int32
	s.Subscribe(func(old, new *Config) {
		calls.Add(1)
		assert.NotSame(t, old, new)
	})

	bad := Default()
	bad.Engine.MinStrength = 2
	assert.Error(t, s.Update(bad))
	assert.Equal(t, 0.6, s.Current().Engine.MinStrength)

	require.NoError(t, s.ApplySystem(map[string]string{KeyMaxScaleCount: "2"}))
	assert.Equal(t, 2, s.Current().Engine.MaxScaleCount)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStoreWatchReloads(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, Default().SaveToFile(path))

	s, err := NewStore(Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx, path, 5*time.Millisecond) }()

	next := Default()
	next.Engine.MinStrength = 0.75
	next.Vaults[0].Name = "reloaded-with-a-longer-name"
	require.NoError(t, next.SaveToFile(path))

	assert.Eventually(t, func() bool {
		return s.Current().Engine.MinStrength == 0.75
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestStoreUpdateNotifiesEverySubscriber(t *testing.T) {
	t.Parallel()

	first := Default()
	s, err := NewStore(first)
	require.NoError(t, err)

	var seen []string
	s.Subscribe(func(old, new *Config) {
		assert.Same(t, first, old)
		seen = append(seen, "a")
		// subscribing from a callback must not deadlock
		s.Subscribe(func(_, _ *Config) { seen = append(seen, "late") })
	})
	s.Subscribe(func(old, new *Config) {
		seen = append(seen, "b")
		assert.Equal(t, 3, new.Limits.MaxPositions)
	})

	next := first.Clone()
	next.Limits.MaxPositions = 3
	require.NoError(t, s.Update(next))
	assert.Same(t, next, s.Current())
	assert.Equal(t, []string{"a", "b"}, seen)
}
