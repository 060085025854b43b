package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpecValues(t *testing.T) {
	d := Default()
	assert.Equal(t, uint64(5_600_000*wordSize), d.DefaultCollectInterval)
	assert.Equal(t, uint64(1_250_000_000*wordSize), d.MaxCollectInterval)
	assert.Equal(t, uint64(2*1024*1024*1024*1024), d.MaxTotalMemory)
	assert.Equal(t, uint8(1), d.PromotionAge)
}

func TestLoadWithEmptyPathReturnsDefaults(t *testing.T) {
	tunables, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), tunables)
}

func TestLoadWithMissingFileReturnsDefaults(t *testing.T) {
	tunables, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), tunables)
}

func TestLoadOverridesOnlySpecifiedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunables.yaml")
	require.NoError(t, os.WriteFile(path, []byte("promotion_age: 3\n"), 0o644))

	tunables, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint8(3), tunables.PromotionAge)
	assert.Equal(t, Default().MaxTotalMemory, tunables.MaxTotalMemory)
}

func TestLoadMalformedYAMLReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid yaml"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestScaleMaxMemoryToPhysicalOnlyShrinks(t *testing.T) {
	tunables := Default()
	original := tunables.MaxTotalMemory

	tunables.ScaleMaxMemoryToPhysical(original * 2) // plenty of physical memory
	assert.Equal(t, original, tunables.MaxTotalMemory)

	tunables.ScaleMaxMemoryToPhysical(1000)
	assert.Equal(t, uint64(700), tunables.MaxTotalMemory)
}
