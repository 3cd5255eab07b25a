// Package pipeline orchestrates voxelization over many LiDAR frames.
//
// It owns no domain logic: each worker holds its own voxel.Grid, so frames
// are converted in parallel without sharing engine state.
package pipeline
