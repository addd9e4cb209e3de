package voxel

import (
	"github.com/golang/geo/r3"

	"github.com/cnxyang/fusion/utils"
)

// Voxel is one cell of the truncated signed distance field. Weight zero means
// the voxel has never been observed; SDF is in metres, clamped to the
// truncation band.
type Voxel struct {
	SDF    float32
	Weight uint8
	Color  [3]uint8
}

// Int3 is an integer lattice position (voxel or block coordinates).
type Int3 struct {
	X, Y, Z int32
}

// Add returns the component-wise sum.
func (p Int3) Add(o Int3) Int3 {
	return Int3{p.X + o.X, p.Y + o.Y, p.Z + o.Z}
}

// Mul returns the component-wise product with s.
func (p Int3) Mul(s int32) Int3 {
	return Int3{p.X * s, p.Y * s, p.Z * s}
}

// HashEntry maps a block position to its slot in the voxel-block pool.
// Ptr holds a pool index when committed, or one of the sentinels; Next links
// the bucket's collision chain through the excess region, -1 terminating.
type HashEntry struct {
	Pos  Int3
	Ptr  int32
	Next int32
}

// RenderingBlock is a screen-space tile with a known depth interval, used to
// bound per-pixel marching ranges in the raycaster.
type RenderingBlock struct {
	UpperLeft  [2]int32
	LowerRight [2]int32
	ZRange     [2]float32
}

// Coordinate conversions between world space, voxel lattice, and block
// lattice. Floor division keeps negative coordinates on the correct block.

func (s *MapState) posWorldToVoxel(p r3.Vector) Int3 {
	inv := s.InvVoxelSize()
	return Int3{
		X: int32(floorf(p.X * inv)),
		Y: int32(floorf(p.Y * inv)),
		Z: int32(floorf(p.Z * inv)),
	}
}

func (s *MapState) posVoxelToWorld(p Int3) r3.Vector {
	return r3.Vector{
		X: float64(p.X) * s.VoxelSize,
		Y: float64(p.Y) * s.VoxelSize,
		Z: float64(p.Z) * s.VoxelSize,
	}
}

func (s *MapState) posWorldToBlock(p r3.Vector) Int3 {
	return posVoxelToBlock(s.posWorldToVoxel(p))
}

func (s *MapState) posBlockToWorld(p Int3) r3.Vector {
	return s.posVoxelToWorld(posBlockToVoxel(p))
}

func posVoxelToBlock(p Int3) Int3 {
	return Int3{
		X: int32(utils.FloorDivInt(int(p.X), BlockSize)),
		Y: int32(utils.FloorDivInt(int(p.Y), BlockSize)),
		Z: int32(utils.FloorDivInt(int(p.Z), BlockSize)),
	}
}

func posBlockToVoxel(p Int3) Int3 {
	return p.Mul(BlockSize)
}

func posVoxelToLocal(p Int3) Int3 {
	local := Int3{p.X % BlockSize, p.Y % BlockSize, p.Z % BlockSize}
	if local.X < 0 {
		local.X += BlockSize
	}
	if local.Y < 0 {
		local.Y += BlockSize
	}
	if local.Z < 0 {
		local.Z += BlockSize
	}
	return local
}

func posLocalToIdx(p Int3) int32 {
	return p.Z*BlockSize*BlockSize + p.Y*BlockSize + p.X
}

func posIdxToLocal(idx int32) Int3 {
	z := idx / (BlockSize * BlockSize)
	rem := idx % (BlockSize * BlockSize)
	return Int3{rem % BlockSize, rem / BlockSize, z}
}

func floorf(x float64) float64 {
	i := float64(int64(x))
	if x < 0 && x != i {
		i--
	}
	return i
}
