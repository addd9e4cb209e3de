package voxel

import (
	"image"
	"sync/atomic"

	"github.com/golang/geo/r3"

	"github.com/cnxyang/fusion/frame"
	"github.com/cnxyang/fusion/spatialmath"
	"github.com/cnxyang/fusion/transform"
	"github.com/cnxyang/fusion/utils"
)

// MaxWeight caps the running-average weight of a voxel.
const MaxWeight = 255

// UpdateVisibility rebuilds the compacted visible set: every committed block
// with at least one corner projecting inside the frustum, with depth in the
// preprocess range, survives. Returns the visible count.
func (m *Map) UpdateVisibility(pose *spatialmath.SE3, intrinsics *transform.PinholeCameraIntrinsics) int {
	m.resetVisible()
	worldToCam := pose.Inverse()
	utils.ParallelForEachIndex(len(m.entries), func(i int) {
		e := &m.entries[i]
		if atomic.LoadInt32(&e.Ptr) < 0 {
			return
		}
		if m.blockInFrustum(e.Pos, worldToCam, intrinsics) {
			m.appendVisible(int32(i))
		}
	})
	return int(m.numVisible.Load())
}

func (m *Map) blockInFrustum(bpos Int3, worldToCam *spatialmath.SE3, intrinsics *transform.PinholeCameraIntrinsics) bool {
	for dz := int32(0); dz <= 1; dz++ {
		for dy := int32(0); dy <= 1; dy++ {
			for dx := int32(0); dx <= 1; dx++ {
				corner := m.state.posBlockToWorld(bpos.Add(Int3{dx, dy, dz}))
				cam := worldToCam.TransformPoint(corner)
				if cam.Z < m.state.DepthMinPreprocess || cam.Z > m.state.DepthMaxPreprocess {
					continue
				}
				px := intrinsics.PointToPixel(cam)
				if px.X >= 0 && px.Y >= 0 && px.X < float64(intrinsics.Width) && px.Y < float64(intrinsics.Height) {
					return true
				}
			}
		}
	}
	return false
}

// AllocateBlocks walks every valid depth pixel and creates the blocks its
// viewing ray touches inside the truncation band. Exhaustion drops voxels,
// never the frame.
func (m *Map) AllocateBlocks(dm *frame.DepthMap, pose *spatialmath.SE3, intrinsics *transform.PinholeCameraIntrinsics) {
	tau := m.state.TruncateDistance()
	stride := m.state.BlockWidth()
	utils.ParallelForEachPixel(image.Point{dm.Width(), dm.Height()}, func(x, y int) {
		d := float64(dm.GetDepth(x, y))
		if d < m.state.DepthMinPreprocess || d > m.state.DepthMaxPreprocess {
			return
		}
		var last Int3
		first := true
		for zt := d - tau; zt <= d+tau+stride/2; zt += stride {
			world := pose.TransformPoint(intrinsics.PixelToPoint(float64(x), float64(y), zt))
			bpos := m.state.posWorldToBlock(world)
			if !first && bpos == last {
				continue
			}
			m.CreateBlock(bpos)
			last = bpos
			first = false
		}
	})
}

// Fuse folds a depth frame (and color, when given) into every visible block
// as a weighted running average of the truncated signed distance.
func (m *Map) Fuse(dm *frame.DepthMap, color []byte, pose *spatialmath.SE3, intrinsics *transform.PinholeCameraIntrinsics) {
	tau := m.state.TruncateDistance()
	worldToCam := pose.Inverse()
	visible := m.VisibleEntries()
	utils.ParallelForEachIndex(len(visible), func(vi int) {
		e := &m.entries[visible[vi]]
		ptr := atomic.LoadInt32(&e.Ptr)
		if ptr < 0 {
			return
		}
		voxels := m.blockVoxels(ptr)
		base := posBlockToVoxel(e.Pos)
		for idx := int32(0); idx < BlockSize3; idx++ {
			local := posIdxToLocal(idx)
			center := m.state.posVoxelToWorld(base.Add(local)).
				Add(r3.Vector{X: 0.5 * m.state.VoxelSize, Y: 0.5 * m.state.VoxelSize, Z: 0.5 * m.state.VoxelSize})
			cam := worldToCam.TransformPoint(center)
			if cam.Z <= 0 {
				continue
			}
			px := intrinsics.PointToPixel(cam)
			u, v := transform.Round(px)
			if !dm.Contains(u, v) {
				continue
			}
			d := float64(dm.GetDepth(u, v))
			if d < m.state.DepthMinPreprocess || d > m.state.DepthMaxPreprocess {
				continue
			}
			eta := d - cam.Z
			if eta < -tau || eta > tau {
				continue
			}
			vox := &voxels[idx]
			w := float64(vox.Weight)
			nw := w + 1
			if nw > MaxWeight {
				nw = MaxWeight
			}
			vox.SDF = float32((float64(vox.SDF)*w + utils.Clamp(eta, -tau, tau)) / nw)
			if color != nil {
				ci := (v*dm.Width() + u) * 3
				if ci+2 < len(color) {
					vox.Color[0] = uint8((w*float64(vox.Color[0]) + float64(color[ci])) / nw)
					vox.Color[1] = uint8((w*float64(vox.Color[1]) + float64(color[ci+1])) / nw)
					vox.Color[2] = uint8((w*float64(vox.Color[2]) + float64(color[ci+2])) / nw)
				}
			}
			vox.Weight = uint8(nw)
		}
	})
}

// FuseFrame runs the full integration for one posed frame: allocation sweep,
// visibility rebuild, then fusion.
func (m *Map) FuseFrame(f *frame.Frame, intrinsics *transform.PinholeCameraIntrinsics) int {
	m.AllocateBlocks(f.Depth[0], f.Pose(), intrinsics)
	visible := m.UpdateVisibility(f.Pose(), intrinsics)
	m.Fuse(f.Depth[0], f.Color, f.Pose(), intrinsics)
	if dropped := m.DroppedBlocks(); dropped > 0 && m.logger != nil {
		m.logger.Debugw("voxel block pool exhausted", "dropped", dropped)
	}
	return visible
}
