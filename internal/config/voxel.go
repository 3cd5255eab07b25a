package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical voxelizer defaults file.
const DefaultConfigPath = "config/voxel.defaults.json"

// Capacity modes accepted by points_per_voxel_mode and voxel_table_mode.
const (
	ModeBounded = "bounded"
	ModeDynamic = "dynamic"
)

// VoxelConfig is the JSON configuration of a voxel grid and of the
// diagnostics run that exercises it. Every field is optional; the Get*
// methods fall back to the built-in defaults.
type VoxelConfig struct {
	// Grid geometry
	VoxelSize        []float64 `json:"voxel_size,omitempty"`   // [x, y, z]
	CoordsRange      []float64 `json:"coords_range,omitempty"` // [xmin, ymin, zmin, xmax, ymax, zmax]
	NumPointFeatures *int      `json:"num_point_features,omitempty"`

	// Capacity
	MaxPointsPerVoxel  *int    `json:"max_points_per_voxel,omitempty"`
	PointsPerVoxelMode *string `json:"points_per_voxel_mode,omitempty"` // "bounded" or "dynamic"
	MaxNumVoxels       *int    `json:"max_num_voxels,omitempty"`
	VoxelTableMode     *string `json:"voxel_table_mode,omitempty"` // "bounded" or "dynamic"

	// Input handling
	RejectNonFinite    *bool `json:"reject_non_finite,omitempty"`
	TrackPointVoxelIDs *bool `json:"track_point_voxel_ids,omitempty"`

	// Diagnostics run
	DiagPoints  *int    `json:"diag_points,omitempty"`
	DiagSeed    *int64  `json:"diag_seed,omitempty"`
	DiagWorkers *int    `json:"diag_workers,omitempty"`
	DiagDBPath  *string `json:"diag_db_path,omitempty"`
	DiagPlotDir *string `json:"diag_plot_dir,omitempty"`
}

var (
	defaultVoxelSize   = [3]float64{0.32, 0.32, 4.0}
	defaultCoordsRange = [6]float64{0.0, -39.68, -3.0, 69.12, 39.68, 1.0}
)

// EmptyVoxelConfig returns a VoxelConfig with all fields unset.
func EmptyVoxelConfig() *VoxelConfig {
	return &VoxelConfig{}
}

// LoadVoxelConfig loads a VoxelConfig from a JSON file.
// The file must have a .json extension and be at most 1MB. Omitted fields
// keep their defaults, so partial configs are safe.
func LoadVoxelConfig(path string) (*VoxelConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyVoxelConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents up to the repository root.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *VoxelConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/lidar/voxel/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadVoxelConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the shape of the configuration. Geometric validity (range
// versus voxel size) is left to the grid constructor, which owns that rule.
func (c *VoxelConfig) Validate() error {
	if c.VoxelSize != nil && len(c.VoxelSize) != 3 {
		return fmt.Errorf("voxel_size must have 3 entries, got %d", len(c.VoxelSize))
	}
	if c.CoordsRange != nil && len(c.CoordsRange) != 6 {
		return fmt.Errorf("coords_range must have 6 entries, got %d", len(c.CoordsRange))
	}
	if c.NumPointFeatures != nil && *c.NumPointFeatures < 3 {
		return fmt.Errorf("num_point_features must be at least 3, got %d", *c.NumPointFeatures)
	}
	if err := validateMode("points_per_voxel_mode", c.PointsPerVoxelMode); err != nil {
		return err
	}
	if err := validateMode("voxel_table_mode", c.VoxelTableMode); err != nil {
		return err
	}
	if c.GetPointsPerVoxelMode() == ModeBounded && c.GetMaxPointsPerVoxel() < 1 {
		return fmt.Errorf("max_points_per_voxel must be positive in bounded mode, got %d", c.GetMaxPointsPerVoxel())
	}
	if c.GetVoxelTableMode() == ModeBounded && c.GetMaxNumVoxels() < 1 {
		return fmt.Errorf("max_num_voxels must be positive in bounded mode, got %d", c.GetMaxNumVoxels())
	}
	if c.DiagPoints != nil && *c.DiagPoints < 0 {
		return fmt.Errorf("diag_points must be non-negative, got %d", *c.DiagPoints)
	}
	if c.DiagWorkers != nil && *c.DiagWorkers < 1 {
		return fmt.Errorf("diag_workers must be at least 1, got %d", *c.DiagWorkers)
	}
	return nil
}

func validateMode(field string, mode *string) error {
	if mode == nil {
		return nil
	}
	switch *mode {
	case ModeBounded, ModeDynamic:
		return nil
	default:
		return fmt.Errorf("%s must be %q or %q, got %q", field, ModeBounded, ModeDynamic, *mode)
	}
}

// GetVoxelSize returns the voxel edge lengths or the default.
func (c *VoxelConfig) GetVoxelSize() [3]float64 {
	if len(c.VoxelSize) != 3 {
		return defaultVoxelSize
	}
	return [3]float64{c.VoxelSize[0], c.VoxelSize[1], c.VoxelSize[2]}
}

// GetCoordsRange returns the coordinate range or the default.
func (c *VoxelConfig) GetCoordsRange() [6]float64 {
	if len(c.CoordsRange) != 6 {
		return defaultCoordsRange
	}
	var r [6]float64
	copy(r[:], c.CoordsRange)
	return r
}

// GetNumPointFeatures returns the num_point_features value or the default.
func (c *VoxelConfig) GetNumPointFeatures() int {
	if c.NumPointFeatures == nil {
		return 4 // default
	}
	return *c.NumPointFeatures
}

// GetMaxPointsPerVoxel returns the max_points_per_voxel value or the default.
func (c *VoxelConfig) GetMaxPointsPerVoxel() int {
	if c.MaxPointsPerVoxel == nil {
		return 32 // default
	}
	return *c.MaxPointsPerVoxel
}

// GetPointsPerVoxelMode returns the points_per_voxel_mode value or the default.
func (c *VoxelConfig) GetPointsPerVoxelMode() string {
	if c.PointsPerVoxelMode == nil {
		return ModeBounded // default
	}
	return *c.PointsPerVoxelMode
}

// GetMaxNumVoxels returns the max_num_voxels value or the default.
func (c *VoxelConfig) GetMaxNumVoxels() int {
	if c.MaxNumVoxels == nil {
		return 16000 // default
	}
	return *c.MaxNumVoxels
}

// GetVoxelTableMode returns the voxel_table_mode value or the default.
func (c *VoxelConfig) GetVoxelTableMode() string {
	if c.VoxelTableMode == nil {
		return ModeBounded // default
	}
	return *c.VoxelTableMode
}

// GetRejectNonFinite returns the reject_non_finite value or the default.
func (c *VoxelConfig) GetRejectNonFinite() bool {
	if c.RejectNonFinite == nil {
		return false // default
	}
	return *c.RejectNonFinite
}

// GetTrackPointVoxelIDs returns the track_point_voxel_ids value or the default.
func (c *VoxelConfig) GetTrackPointVoxelIDs() bool {
	if c.TrackPointVoxelIDs == nil {
		return false // default
	}
	return *c.TrackPointVoxelIDs
}

// GetDiagPoints returns the number of random points per diagnostics case.
func (c *VoxelConfig) GetDiagPoints() int {
	if c.DiagPoints == nil {
		return 100 // default
	}
	return *c.DiagPoints
}

// GetDiagSeed returns the diagnostics random seed or the default.
func (c *VoxelConfig) GetDiagSeed() int64 {
	if c.DiagSeed == nil {
		return 1 // default
	}
	return *c.DiagSeed
}

// GetDiagWorkers returns the diagnostics worker count or the default.
func (c *VoxelConfig) GetDiagWorkers() int {
	if c.DiagWorkers == nil {
		return 4 // default
	}
	return *c.DiagWorkers
}

// GetDiagDBPath returns the sqlite path for diagnostics runs; empty disables
// persistence.
func (c *VoxelConfig) GetDiagDBPath() string {
	if c.DiagDBPath == nil {
		return ""
	}
	return *c.DiagDBPath
}

// GetDiagPlotDir returns the directory for occupancy plots; empty disables
// plotting.
func (c *VoxelConfig) GetDiagPlotDir() string {
	if c.DiagPlotDir == nil {
		return ""
	}
	return *c.DiagPlotDir
}
