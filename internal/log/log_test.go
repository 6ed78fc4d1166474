package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/chainguard-dev/clog"
	"github.com/stretchr/testify/require"
)

func TestForRun(t *testing.T) {
	out := new(bytes.Buffer)
	ctx := clog.WithLogger(t.Context(), clog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{AddSource: true})))

	ctx = ForStep(ForRun(ctx, "i-TARGET", "r1"), "stop-target")
	Info(ctx, "running step")

	var record map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &record))
	require.Equal(t, "i-TARGET", record["target_id"])
	require.Equal(t, "r1", record["run_id"])
	require.Equal(t, "stop-target", record["step"])

	source, ok := record["source"].(map[string]any)
	require.True(t, ok)
	require.True(t, strings.HasSuffix(source["function"].(string), ".TestForRun"), source["function"])
}

func TestLevels(t *testing.T) {
	out := new(bytes.Buffer)
	ctx := clog.WithLogger(t.Context(), clog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelWarn})))

	Debug(ctx, "observed resource state")
	Info(ctx, "volume attached")
	Warn(ctx, "failed to delete security group")
	Error(ctx, "rollback failed")

	require.NotContains(t, out.String(), "observed resource state")
	require.NotContains(t, out.String(), "volume attached")
	require.Contains(t, out.String(), "level=WARN")
	require.Contains(t, out.String(), "level=ERROR")
}
