package factory

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/scfuzzbench/benchq/internal/config"
)

func TestNewBackend_Memory(t *testing.T) {
	cfg := config.NewForTesting()
	b, err := NewBackend(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()
	require.NotNil(t, b.Store)
	require.NotNil(t, b.Queue)
	require.NotNil(t, b.Locker)
}

func TestNewBackend_Unknown(t *testing.T) {
	cfg := config.NewForTesting()
	cfg.Backend = "dynamo"
	_, err := NewBackend(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
}

func TestNewExecutor_Kinds(t *testing.T) {
	cfg := config.NewForTesting()

	cfg.ExecutorKind = "script"
	ex, err := NewExecutor(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, ex)

	cfg.ExecutorKind = "http"
	cfg.RunnerURL = "http://localhost:9000"
	ex, err = NewExecutor(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, ex)

	cfg.ExecutorKind = "fork"
	_, err = NewExecutor(cfg, zerolog.Nop())
	require.Error(t, err)
}
