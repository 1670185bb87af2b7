// Package config provides configuration loading and management for brainparcel.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"brainparcel/internal/models"
	"brainparcel/pkg/ncut"
	"brainparcel/pkg/neighbor"
	"brainparcel/pkg/watershed"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumWorkers specifies how many volumes are segmented concurrently
		NumWorkers int `yaml:"numWorkers" validate:"gte=1"`
	} `yaml:"processing"`

	// Neighbor controls graph construction for the normalized cut
	Neighbor struct {
		// Shape is one of fast_cube, sphere or cube
		Shape string `yaml:"shape" validate:"oneof=fast_cube sphere cube"`

		// Dim is the lattice dimensionality, 2 or 3
		Dim int `yaml:"dim" validate:"oneof=2 3"`

		// Size is the fast_cube stencil size or the cube half width
		Size int `yaml:"size" validate:"gte=0"`

		// Radius is the sphere radius in voxels
		Radius float64 `yaml:"radius" validate:"gte=0"`

		// UsePhysicalSpacing scales offsets by the voxel size from the image header
		UsePhysicalSpacing bool `yaml:"usePhysicalSpacing"`

		// IntensityScale, when positive, adds |ΔI|/IntensityScale to edge costs
		IntensityScale float64 `yaml:"intensityScale" validate:"gte=0"`

		// PhysicalRadius, when positive, replaces the stencil with a kd-tree
		// search for voxels within this many millimetres
		PhysicalRadius float64 `yaml:"physicalRadius" validate:"gte=0"`
	} `yaml:"neighbor"`

	// NCut parameters
	NCut struct {
		// MaskThreshold selects the voxels that become graph nodes
		MaskThreshold float64 `yaml:"maskThreshold"`

		// NumCuts is the number of thresholds tried along the Fiedler vector
		NumCuts int `yaml:"numCuts" validate:"gte=1"`

		// MaxEdge is the self-loop weight added before cutting
		MaxEdge float64 `yaml:"maxEdge" validate:"gte=0"`

		// Threshold is the largest accepted cut cost when Parcels is zero
		Threshold float64 `yaml:"threshold" validate:"gte=0"`

		// Parcels requests a fixed parcel count; zero selects threshold mode
		Parcels int `yaml:"parcels" validate:"gte=0"`

		// MaxIterations bounds the cut attempts per volume; zero is unbounded
		MaxIterations int `yaml:"maxIterations" validate:"gte=0"`

		// DenseLimit is the largest subgraph solved densely
		DenseLimit int `yaml:"denseLimit" validate:"gte=0"`

		LanczosSteps    int     `yaml:"lanczosSteps" validate:"gte=2"`
		LanczosRestarts int     `yaml:"lanczosRestarts" validate:"gte=1"`
		Tolerance       float64 `yaml:"tolerance" validate:"gt=0"`
	} `yaml:"ncut"`

	// Watershed parameters
	Watershed struct {
		// Sigma is the Gaussian smoothing width in voxels
		Sigma float64 `yaml:"sigma" validate:"gte=0"`

		// Threshold builds the mask
		Threshold float64 `yaml:"threshold"`

		// SegmentFunction is one of inverse, gradient or distance
		SegmentFunction string `yaml:"segmentFunction" validate:"oneof=inverse gradient distance"`

		// FloodConnectivity is 6, 18 or 26
		FloodConnectivity int `yaml:"floodConnectivity" validate:"oneof=6 18 26"`

		// UsePhysicalSpacing measures the distance transform in millimetres
		UsePhysicalSpacing bool `yaml:"usePhysicalSpacing"`
	} `yaml:"watershed"`

	// Output parameters
	Output struct {
		// Dir is where label volumes and neighbour maps are written
		Dir string `yaml:"dir" validate:"required"`

		// ExtractSlices saves colour-coded label slices as PNG
		ExtractSlices bool `yaml:"extractSlices"`

		// SliceAxis is x, y or z
		SliceAxis string `yaml:"sliceAxis" validate:"oneof=x y z"`

		// MetricsFile, when set, receives a Prometheus text dump after the run
		MetricsFile string `yaml:"metricsFile"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumWorkers = runtime.NumCPU()

	cfg.Neighbor.Shape = "fast_cube"
	cfg.Neighbor.Dim = 3
	cfg.Neighbor.Size = 26
	cfg.Neighbor.Radius = 1.5

	nc := ncut.DefaultOptions()
	cfg.NCut.NumCuts = nc.NumCuts
	cfg.NCut.MaxEdge = nc.MaxEdge
	cfg.NCut.Threshold = nc.Threshold
	cfg.NCut.MaxIterations = nc.MaxIterations
	cfg.NCut.DenseLimit = nc.DenseLimit
	cfg.NCut.LanczosSteps = nc.LanczosSteps
	cfg.NCut.LanczosRestarts = nc.LanczosRestarts
	cfg.NCut.Tolerance = nc.Tolerance

	ws := watershed.DefaultOptions()
	cfg.Watershed.Sigma = ws.Sigma
	cfg.Watershed.Threshold = ws.Threshold
	cfg.Watershed.SegmentFunction = ws.Transform.String()
	cfg.Watershed.FloodConnectivity = ws.FloodConnectivity

	cfg.Output.Dir = "segmentations"
	cfg.Output.SliceAxis = "z"
	cfg.Output.Verbose = false

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate checks every field against its constraints and the cross-field
// rules the struct tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("%w: %s failed %q (value %v)",
				models.ErrInvalidConfiguration, first.Namespace(), first.Tag(), first.Value())
		}
		return fmt.Errorf("%w: %v", models.ErrInvalidConfiguration, err)
	}
	if _, err := c.Connectivity(); err != nil {
		return err
	}
	return nil
}

// Connectivity builds the neighbour stencil settings.
func (c *Config) Connectivity() (neighbor.Connectivity, error) {
	shape, err := neighbor.ParseShape(c.Neighbor.Shape)
	if err != nil {
		return neighbor.Connectivity{}, err
	}
	conn := neighbor.Connectivity{
		Shape:  shape,
		Dim:    c.Neighbor.Dim,
		Size:   c.Neighbor.Size,
		Radius: c.Neighbor.Radius,
	}
	if _, err := conn.Offsets(); err != nil {
		return neighbor.Connectivity{}, err
	}
	return conn, nil
}

// NCutOptions converts the ncut section.
func (c *Config) NCutOptions() ncut.Options {
	return ncut.Options{
		NumCuts:         c.NCut.NumCuts,
		MaxEdge:         c.NCut.MaxEdge,
		Threshold:       c.NCut.Threshold,
		MaxIterations:   c.NCut.MaxIterations,
		DenseLimit:      c.NCut.DenseLimit,
		LanczosSteps:    c.NCut.LanczosSteps,
		LanczosRestarts: c.NCut.LanczosRestarts,
		Tolerance:       c.NCut.Tolerance,
	}
}

// WatershedOptions converts the watershed section.
func (c *Config) WatershedOptions() (watershed.Options, error) {
	tr, err := watershed.ParseTransform(c.Watershed.SegmentFunction)
	if err != nil {
		return watershed.Options{}, err
	}
	return watershed.Options{
		Sigma:              c.Watershed.Sigma,
		Threshold:          c.Watershed.Threshold,
		Transform:          tr,
		FloodConnectivity:  c.Watershed.FloodConnectivity,
		UsePhysicalSpacing: c.Watershed.UsePhysicalSpacing,
	}, nil
}
