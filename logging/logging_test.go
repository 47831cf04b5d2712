package logging_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/logging"
)

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf).With().Str("request_id", "r-1").Logger()
	ctx := logging.WithContext(context.Background(), &l)

	logging.FromContext(ctx).Info().Msg("hello")

	assert.Contains(t, buf.String(), `"request_id":"r-1"`)
	assert.NotNil(t, logging.FromContext(context.Background()), "falls back to the global logger")
}

func TestInit_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loyalty.log")

	closer, err := logging.Init(logging.Config{Level: "warn", Environment: "test", LogFile: path})
	require.NoError(t, err)
	defer zerolog.SetGlobalLevel(zerolog.DebugLevel)

	c := logging.Component("sweeper")
	c.Info().Msg("filtered out")
	c.Warn().Msg("kept")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"sweeper"`)
	assert.Contains(t, string(data), "kept")
	assert.NotContains(t, string(data), "filtered out")
}
