package journal

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rustyeddy/riskengine/config"
	"github.com/rustyeddy/riskengine/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Set RISKENGINE_PG_DSN to a scratch database to run against postgres.
func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("RISKENGINE_PG_DSN")
	if dsn == "" {
		t.Skip("RISKENGINE_PG_DSN not set")
	}
	ctx := context.Background()

	j, err := NewPostgres(dsn)
	require.NoError(t, err)
	defer j.Close()
	_, err = j.DB().Exec(`DELETE FROM trading_decisions WHERE vault_id = 'pg-test'`)
	require.NoError(t, err)

	d := sampleDecision("PG-D1", "pg-test", t0)
	require.NoError(t, j.RecordDecision(ctx, d))
	d.ExecutionStatus = domain.ExecExecuted
	require.NoError(t, j.RecordDecision(ctx, d))

	got, err := j.GetDecision(ctx, "PG-D1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecExecuted, got.ExecutionStatus)
	assert.True(t, got.CreatedAt.Equal(t0))
}

func TestOpen(t *testing.T) {
	t.Parallel()
	s, err := Open(config.JournalConfig{Type: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open(config.JournalConfig{Type: "sqlite", DBPath: filepath.Join(t.TempDir(), "j.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQL{}, s)
	assert.NoError(t, s.Close())

	_, err = Open(config.JournalConfig{Type: "mongo"})
	assert.Error(t, err)
}
