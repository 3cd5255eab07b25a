package voxel

import "github.com/banshee-data/voxelizer/internal/config"

// DefaultParams returns Params loaded from the canonical defaults file
// (config/voxel.defaults.json). Panics if the file cannot be found; intended
// for tests and binaries that have already validated config availability.
func DefaultParams() Params {
	return ParamsFromConfig(config.MustLoadDefaultConfig())
}

// ParamsFromConfig builds Params from a loaded VoxelConfig. The result still
// has to pass New, which owns the geometric checks.
func ParamsFromConfig(cfg *config.VoxelConfig) Params {
	return Params{
		VoxelSize:          cfg.GetVoxelSize(),
		CoordsRange:        cfg.GetCoordsRange(),
		NumPointFeatures:   cfg.GetNumPointFeatures(),
		MaxPointsPerVoxel:  capacityFromConfig(cfg.GetPointsPerVoxelMode(), cfg.GetMaxPointsPerVoxel()),
		MaxNumVoxels:       capacityFromConfig(cfg.GetVoxelTableMode(), cfg.GetMaxNumVoxels()),
		RejectNonFinite:    cfg.GetRejectNonFinite(),
		TrackPointVoxelIDs: cfg.GetTrackPointVoxelIDs(),
	}
}

func capacityFromConfig(mode string, limit int) Capacity {
	if mode == config.ModeDynamic {
		return Dynamic()
	}
	return Bounded(limit)
}
