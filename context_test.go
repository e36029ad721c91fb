package hitlflow

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContextValues(t *testing.T) {
	ctx := context.Background()

	require.NotNil(t, LoggerFromContext(ctx))

	var buf bytes.Buffer
	logger := NewTextLogger(&buf, slog.LevelInfo)
	ctx = WithLogger(ctx, logger)

	LoggerFromContext(ctx).Info("from stage")
	require.Contains(t, buf.String(), "from stage")
}
