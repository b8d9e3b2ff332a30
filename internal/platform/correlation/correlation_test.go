package correlation

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(NewHandler(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func TestNewID(t *testing.T) {
	seen := make(map[string]struct{}, 200)
	for range 200 {
		id := NewID()
		require.Len(t, id, 8)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, 200)
}

func TestFromHeader(t *testing.T) {
	tests := []struct {
		name  string
		value string
		keep  bool
	}{
		{"empty", "", false},
		{"hex", "deadbeef", true},
		{"uuid", "6f1c1c1e-5b7a-4d7e-9c1d-2f9a7b1e0c3d", true},
		{"dotted", "gateway.req_42", true},
		{"too long", strings.Repeat("a", 65), false},
		{"newline", "abc\ndef", false},
		{"space", "abc def", false},
		{"quote", `abc"def`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromHeader(tt.value)
			if tt.keep {
				assert.Equal(t, tt.value, got)
				return
			}
			assert.NotEqual(t, tt.value, got)
			assert.Len(t, got, 8)
		})
	}
}

func TestID(t *testing.T) {
	id, ok := ID(WithID(context.Background(), "abc12345"))
	assert.True(t, ok)
	assert.Equal(t, "abc12345", id)

	_, ok = ID(context.Background())
	assert.False(t, ok, "missing")

	_, ok = ID(WithID(context.Background(), ""))
	assert.False(t, ok, "empty counts as missing")
}

func TestEnsure(t *testing.T) {
	id, _ := ID(Ensure(WithID(context.Background(), "deadbeef")))
	assert.Equal(t, "deadbeef", id)

	id, ok := ID(Ensure(context.Background()))
	assert.True(t, ok)
	assert.Len(t, id, 8)
}

func TestHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	logger.InfoContext(WithID(context.Background(), "test1234"), "Check-in accepted", "position", 3)
	line := buf.String()
	assert.Contains(t, line, "correlation_id=test1234")
	assert.Contains(t, line, "position=3")

	buf.Reset()
	logger.InfoContext(context.Background(), "Reconciler tick")
	assert.NotContains(t, buf.String(), "correlation_id")
}

func TestHandler_DerivedLoggersKeepCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf).With("component", "broadcast").WithGroup("session")

	logger.InfoContext(WithID(context.Background(), "attr1234"), "Joined room", "room", "queue:1")

	line := buf.String()
	assert.Contains(t, line, "correlation_id=attr1234")
	assert.Contains(t, line, "component=broadcast")
	assert.Contains(t, line, "session.room=queue:1")
}
