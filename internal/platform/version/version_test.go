package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	info := Get()
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, Commit, info.Commit)
	assert.Equal(t, runtime.Version(), info.GoVersion)
}

func TestGet_WithInstance(t *testing.T) {
	info := Get("node-a")
	assert.Equal(t, "node-a", info.Instance)
}
