package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainparcel/internal/models"
	"brainparcel/pkg/neighbor"
	"brainparcel/pkg/watershed"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	conn, err := cfg.Connectivity()
	require.NoError(t, err)
	assert.Equal(t, neighbor.Default3D(), neighbor.Connectivity{Shape: conn.Shape, Dim: conn.Dim, Size: conn.Size})

	opts := cfg.NCutOptions()
	assert.Equal(t, 10, opts.NumCuts)
	assert.Equal(t, 1.0, opts.MaxEdge)
	assert.Equal(t, 0.001, opts.Threshold)

	ws, err := cfg.WatershedOptions()
	require.NoError(t, err)
	assert.Equal(t, watershed.Inverse, ws.Transform)
	assert.Equal(t, 6, ws.FloodConnectivity)
	assert.False(t, ws.UsePhysicalSpacing)

	cfg.Watershed.UsePhysicalSpacing = true
	ws, err = cfg.WatershedOptions()
	require.NoError(t, err)
	assert.True(t, ws.UsePhysicalSpacing)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.NCut.Parcels = 12
	cfg.Watershed.SegmentFunction = "gradient"
	cfg.Neighbor.Shape = "sphere"
	cfg.Neighbor.Radius = 2
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ncut:\n  parcels: 4\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.NCut.Parcels)
	assert.Equal(t, 10, cfg.NCut.NumCuts)
	assert.Equal(t, "fast_cube", cfg.Neighbor.Shape)
}

func TestInvalidConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown shape", func(c *Config) { c.Neighbor.Shape = "hexagon" }},
		{"bad fast cube size", func(c *Config) { c.Neighbor.Size = 10 }},
		{"unknown segment function", func(c *Config) { c.Watershed.SegmentFunction = "laplace" }},
		{"bad flood connectivity", func(c *Config) { c.Watershed.FloodConnectivity = 4 }},
		{"no workers", func(c *Config) { c.Processing.NumWorkers = 0 }},
		{"negative sigma", func(c *Config) { c.Watershed.Sigma = -0.5 }},
		{"zero tolerance", func(c *Config) { c.NCut.Tolerance = 0 }},
		{"empty output dir", func(c *Config) { c.Output.Dir = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			require.ErrorIs(t, cfg.Validate(), models.ErrInvalidConfiguration)
		})
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("watershed:\n  segmentFunction: laplace\n"), 0644))
	_, err := LoadConfig(path)
	require.ErrorIs(t, err, models.ErrInvalidConfiguration)

	require.NoError(t, os.WriteFile(path, []byte("ncut: [1, 2"), 0644))
	_, err = LoadConfig(path)
	require.Error(t, err)
}

func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}
