// Package voxel implements the volumetric map: a voxel-hashed truncated
// signed distance function with concurrent block allocation, depth-frame
// integration, raycast synthesis, and marching-cubes extraction.
package voxel

import (
	"github.com/pkg/errors"
)

// BlockSize is the voxel-block edge length; blocks are BlockSize^3 voxels and
// are allocated as a unit.
const (
	BlockSize  = 8
	BlockSize3 = BlockSize * BlockSize * BlockSize
)

// Hash-entry sentinels for the Ptr field.
const (
	EntryAvailable int32 = -1
	EntryOccupied  int32 = -2
)

// MapState carries the tunables of the volumetric map. It is built once,
// validated, and passed read-only to every kernel; changes rebuild the struct.
type MapState struct {
	// allocation-stage sizes
	MaxNumBuckets         int `json:"max_num_buckets"`
	MaxNumVoxelBlocks     int `json:"max_num_voxel_blocks"`
	MaxNumHashEntries     int `json:"max_num_hash_entries"`
	MaxNumMeshTriangles   int `json:"max_num_mesh_triangles"`
	MaxNumRenderingBlocks int `json:"max_num_rendering_blocks"`

	// screen-space tiling of the raycast bounds pass
	RenderingBlockSize int `json:"rendering_block_size"`
	MinMaxSubSample    int `json:"min_max_sub_sample"`

	// viewing range; larger frusta allocate more blocks
	DepthMinRaycast    float64 `json:"depth_min_raycast"`
	DepthMaxRaycast    float64 `json:"depth_max_raycast"`
	DepthMinPreprocess float64 `json:"depth_min_preprocess"`
	DepthMaxPreprocess float64 `json:"depth_max_preprocess"`

	// VoxelSize mostly affects appearance and is free to modify.
	VoxelSize float64 `json:"voxel_size"`
}

// DefaultMapState returns the reference configuration.
func DefaultMapState() MapState {
	return MapState{
		MaxNumBuckets:         0x100000,
		MaxNumVoxelBlocks:     0x40000,
		MaxNumHashEntries:     0x140000,
		MaxNumMeshTriangles:   1 << 20,
		MaxNumRenderingBlocks: 260000,
		RenderingBlockSize:    16,
		MinMaxSubSample:       8,
		DepthMinRaycast:       0.1,
		DepthMaxRaycast:       3.2,
		DepthMinPreprocess:    0.1,
		DepthMaxPreprocess:    3.0,
		VoxelSize:             0.006,
	}
}

// Validate reports structural configuration errors. These are fatal at
// startup: a table with more buckets than entries cannot chain collisions.
func (s *MapState) Validate() error {
	if s.MaxNumBuckets <= 0 || s.MaxNumVoxelBlocks <= 0 || s.MaxNumHashEntries <= 0 {
		return errors.New("map state sizes must be positive")
	}
	if s.MaxNumBuckets >= s.MaxNumHashEntries {
		return errors.Errorf(
			"numBuckets (%d) must be smaller than maxNumHashEntries (%d) to leave room for the excess region",
			s.MaxNumBuckets, s.MaxNumHashEntries)
	}
	if s.MaxNumBuckets < s.MaxNumVoxelBlocks {
		return errors.Errorf(
			"numBuckets (%d) must not be smaller than maxNumVoxelBlocks (%d)",
			s.MaxNumBuckets, s.MaxNumVoxelBlocks)
	}
	if s.VoxelSize <= 0 {
		return errors.Errorf("voxel size must be positive, got %f", s.VoxelSize)
	}
	if s.RenderingBlockSize <= 0 || s.MinMaxSubSample <= 0 {
		return errors.New("rendering block size and min-max subsample must be positive")
	}
	if s.DepthMinPreprocess >= s.DepthMaxPreprocess || s.DepthMinRaycast >= s.DepthMaxRaycast {
		return errors.New("depth ranges must be non-empty")
	}
	return nil
}

// MaxNumVoxels is the total voxel capacity of the block pool.
func (s *MapState) MaxNumVoxels() int {
	return s.MaxNumVoxelBlocks * BlockSize3
}

// BlockWidth is the world-space edge length of one voxel block.
func (s *MapState) BlockWidth() float64 {
	return float64(BlockSize) * s.VoxelSize
}

// MaxNumMeshVertices is the vertex capacity of the mesh buffers.
func (s *MapState) MaxNumMeshVertices() int {
	return 3 * s.MaxNumMeshTriangles
}

// InvVoxelSize is 1 / VoxelSize.
func (s *MapState) InvVoxelSize() float64 {
	return 1.0 / s.VoxelSize
}

// NumExcessEntries is the size of the collision-chain region of the table.
func (s *MapState) NumExcessEntries() int {
	return s.MaxNumHashEntries - s.MaxNumBuckets
}

// TruncateDistance is the TSDF truncation band tau.
func (s *MapState) TruncateDistance() float64 {
	return 8.0 * s.VoxelSize
}

// StepScaleRaycast is the fraction of the sampled SDF the raycaster marches
// per step; below one so a ray cannot overshoot the zero crossing.
func (s *MapState) StepScaleRaycast() float64 {
	return 0.8
}
