package version

import (
	"runtime"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	info := Get()

	assert.Equal(t, Service, info.Service)
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.Commit)
	assert.NotEmpty(t, info.BuildTime)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, info, Get(), "resolved once")
}

func TestApplyBuildSettings(t *testing.T) {
	vcs := []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2026-10-01T08:00:00Z"},
		{Key: "vcs.modified", Value: "true"},
	}

	tests := []struct {
		name string
		in   Info
		want Info
	}{
		{
			name: "defaults are filled",
			in:   Info{Version: "dev", Commit: "unknown", BuildTime: "unknown"},
			want: Info{Version: "dev-dirty", Commit: "0123456789ab", BuildTime: "2026-10-01T08:00:00Z"},
		},
		{
			name: "stamped values win",
			in:   Info{Version: "1.4.0", Commit: "abc123", BuildTime: "2026-09-30"},
			want: Info{Version: "1.4.0", Commit: "abc123", BuildTime: "2026-09-30"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in
			applyBuildSettings(&got, vcs)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInfo_String(t *testing.T) {
	info := Info{Service: "consultq", Version: "1.2.0", Commit: "abc123", BuildTime: "2026-01-01", GoVersion: "go1.25.0"}
	assert.Equal(t, "consultq 1.2.0 (abc123, built 2026-01-01, go1.25.0)", info.String())
}
