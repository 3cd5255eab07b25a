// Package voxel converts unordered point clouds into a fixed-grid voxel
// representation.
//
// A Grid is constructed once with its geometry and capacity limits and then
// reused for every frame. Convert resets the grid (keeping its buffers),
// buckets each point into the cell that contains it and returns the voxels in
// the order they were first touched. Points outside the coordinate range, points
// that would overflow a full voxel and points that would create a voxel after
// the table is full are dropped; this is reported in Result.Stats but is never
// an error.
//
// A Grid is not safe for concurrent use. Run one Grid per worker.
package voxel
