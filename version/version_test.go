package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	info := Get()
	assert.Equal(t, "005", info.SchemaVersion)
	assert.NotEmpty(t, info.GoVersion)
	assert.Contains(t, info.Platform, "/")
}

func TestString(t *testing.T) {
	dev := Info{Version: "dev", CommitHash: "0123456789abcdef", BuildTime: "today", SchemaVersion: "005"}
	_, ok := dev.SemVer()
	assert.False(t, ok)
	assert.Equal(t, "weft dev (commit 0123456, built today, schema 005)", dev.String())

	tagged := dev
	tagged.Version = "v1.2.0"
	v, ok := tagged.SemVer()
	require.True(t, ok)
	assert.Equal(t, uint64(1), v.Major())
	assert.Equal(t, "weft 1.2.0 (commit 0123456, built today, schema 005)", tagged.String())
}

func TestShort(t *testing.T) {
	assert.Equal(t, "abc", Info{CommitHash: "abc"}.Short())
}
