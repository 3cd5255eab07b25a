// Package l4perception owns Layer 4 (Perception) of the LiDAR data model.
//
// Responsibilities: packing world-frame points into feature rows and
// voxelizing them through a fixed voxel grid, either as a dense voxel tensor
// for downstream models or as a downsampled point set.
// Key types: WorldPoint, Voxelizer.
//
// Dependency rule: L4 may depend on the voxel engine and lower layers, never
// on pipeline orchestration. No SQL/database code is allowed in this package.
package l4perception
