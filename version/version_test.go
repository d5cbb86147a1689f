package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoString(t *testing.T) {
	info := Info{CommitHash: "abcdef123", BuildTime: "now", Version: "dev"}
	assert.False(t, info.IsRelease())
	assert.Equal(t, "reel dev (commit abcdef1, built now)", info.String())

	info.Version = "v1.2.0"
	assert.True(t, info.IsRelease())
	assert.Equal(t, "reel v1.2.0 (commit abcdef1, built now)", info.String())

	info.Version = ""
	assert.False(t, info.IsRelease())
}

func TestShort(t *testing.T) {
	assert.Equal(t, "abcdef1", Info{CommitHash: "abcdef123"}.Short())
	assert.Equal(t, "dev", Info{CommitHash: "dev"}.Short())
}

func TestGetFillsRuntime(t *testing.T) {
	info := Get()
	assert.NotEmpty(t, info.GoVersion)
	assert.Contains(t, info.Platform, "/")
	assert.Equal(t, Version, info.Version)
}
