package voxel

import (
	"image"
	"math"
	"sync/atomic"

	"github.com/golang/geo/r3"
	uatomic "go.uber.org/atomic"

	"github.com/cnxyang/fusion/frame"
	"github.com/cnxyang/fusion/spatialmath"
	"github.com/cnxyang/fusion/transform"
	"github.com/cnxyang/fusion/utils"
)

// zRangeScale converts metres to the integer units the per-tile atomic
// min/max operates on.
const zRangeScale = 1000.0

// RaycastResult is the synthesized view of the model from a candidate pose:
// camera-frame vertex and normal maps plus the sampled surface color, used as
// the reference frame for the next ICP and for scene rendering.
type RaycastResult struct {
	VMap  *frame.VertexMap
	NMap  *frame.NormalMap
	Color []byte
}

// RenderingBounds is the coarse per-tile depth interval map built by the
// bounds pass.
type RenderingBounds struct {
	tileW, tileH int
	zMin         []int32
	zMax         []int32
	blocks       []RenderingBlock
	numBlocks    *uatomic.Int32
}

func (rb *RenderingBounds) tileAt(x, y, tileSize int) int {
	return (y/tileSize)*rb.tileW + x/tileSize
}

// Blocks returns the emitted rendering blocks, truncated to the cap.
func (rb *RenderingBounds) Blocks() []RenderingBlock {
	n := int(rb.numBlocks.Load())
	if n > len(rb.blocks) {
		n = len(rb.blocks)
	}
	return rb.blocks[:n]
}

// CreateRenderingBlocks projects every visible block to screen space and
// accumulates a per-tile [zMin, zMax] by atomic min/max over overlapping
// tiles. Tiles are RenderingBlockSize pixels square; blocks beyond
// MaxNumRenderingBlocks are dropped.
func (m *Map) CreateRenderingBlocks(
	pose *spatialmath.SE3,
	intrinsics *transform.PinholeCameraIntrinsics,
) *RenderingBounds {
	ts := m.state.RenderingBlockSize
	rb := &RenderingBounds{
		tileW:     (intrinsics.Width + ts - 1) / ts,
		tileH:     (intrinsics.Height + ts - 1) / ts,
		numBlocks: uatomic.NewInt32(0),
	}
	rb.zMin = make([]int32, rb.tileW*rb.tileH)
	rb.zMax = make([]int32, rb.tileW*rb.tileH)
	for i := range rb.zMin {
		rb.zMin[i] = math.MaxInt32
		rb.zMax[i] = 0
	}
	rb.blocks = make([]RenderingBlock, m.state.MaxNumRenderingBlocks)

	worldToCam := pose.Inverse()
	visible := m.VisibleEntries()
	utils.ParallelForEachIndex(len(visible), func(vi int) {
		e := &m.entries[visible[vi]]
		if atomic.LoadInt32(&e.Ptr) < 0 {
			return
		}
		minX, minY := math.MaxFloat64, math.MaxFloat64
		maxX, maxY := -math.MaxFloat64, -math.MaxFloat64
		zNear, zFar := math.MaxFloat64, 0.
		for dz := int32(0); dz <= 1; dz++ {
			for dy := int32(0); dy <= 1; dy++ {
				for dx := int32(0); dx <= 1; dx++ {
					corner := m.state.posBlockToWorld(e.Pos.Add(Int3{dx, dy, dz}))
					cam := worldToCam.TransformPoint(corner)
					if cam.Z <= 0 {
						continue
					}
					px := intrinsics.PointToPixel(cam)
					minX = math.Min(minX, px.X)
					minY = math.Min(minY, px.Y)
					maxX = math.Max(maxX, px.X)
					maxY = math.Max(maxY, px.Y)
					zNear = math.Min(zNear, cam.Z)
					zFar = math.Max(zFar, cam.Z)
				}
			}
		}
		if zFar <= 0 || zNear > m.state.DepthMaxRaycast {
			return
		}
		zNear = utils.Clamp(zNear, m.state.DepthMinRaycast, m.state.DepthMaxRaycast)
		zFar = utils.Clamp(zFar, m.state.DepthMinRaycast, m.state.DepthMaxRaycast)
		x0 := utils.ClampInt(int(minX), 0, intrinsics.Width-1)
		y0 := utils.ClampInt(int(minY), 0, intrinsics.Height-1)
		x1 := utils.ClampInt(int(math.Ceil(maxX)), 0, intrinsics.Width-1)
		y1 := utils.ClampInt(int(math.Ceil(maxY)), 0, intrinsics.Height-1)
		if x1 < x0 || y1 < y0 {
			return
		}
		zMinScaled := int32(zNear * zRangeScale)
		zMaxScaled := int32(math.Ceil(zFar * zRangeScale))
		for ty := y0 / ts; ty <= y1/ts; ty++ {
			for tx := x0 / ts; tx <= x1/ts; tx++ {
				tile := ty*rb.tileW + tx
				atomicMinInt32(&rb.zMin[tile], zMinScaled)
				atomicMaxInt32(&rb.zMax[tile], zMaxScaled)
				n := rb.numBlocks.Inc() - 1
				if int(n) < len(rb.blocks) {
					rb.blocks[n] = RenderingBlock{
						UpperLeft:  [2]int32{int32(tx * ts), int32(ty * ts)},
						LowerRight: [2]int32{int32(utils.MinInt((tx+1)*ts, intrinsics.Width) - 1), int32(utils.MinInt((ty+1)*ts, intrinsics.Height) - 1)},
						ZRange:     [2]float32{float32(zNear), float32(zFar)},
					}
				}
			}
		}
	})
	return rb
}

func atomicMinInt32(addr *int32, v int32) {
	for {
		old := atomic.LoadInt32(addr)
		if v >= old || atomic.CompareAndSwapInt32(addr, old, v) {
			return
		}
	}
}

func atomicMaxInt32(addr *int32, v int32) {
	for {
		old := atomic.LoadInt32(addr)
		if v <= old || atomic.CompareAndSwapInt32(addr, old, v) {
			return
		}
	}
}

// Raycast marches every pixel through the volume from the tile's zMin to
// zMax, detecting the zero crossing of the interpolated SDF. The result's
// vertex and normal maps are in the camera frame of the given pose.
func (m *Map) Raycast(pose *spatialmath.SE3, intrinsics *transform.PinholeCameraIntrinsics) *RaycastResult {
	rb := m.CreateRenderingBlocks(pose, intrinsics)
	res := &RaycastResult{
		VMap:  frame.NewVertexMap(intrinsics.Width, intrinsics.Height),
		NMap:  frame.NewNormalMap(intrinsics.Width, intrinsics.Height),
		Color: make([]byte, intrinsics.Width*intrinsics.Height*3),
	}
	worldToCam := pose.Inverse()
	ts := m.state.RenderingBlockSize
	voxelSize := m.state.VoxelSize
	tau := m.state.TruncateDistance()

	utils.ParallelForEachPixel(image.Point{intrinsics.Width, intrinsics.Height}, func(x, y int) {
		tile := rb.tileAt(x, y, ts)
		zNear := float64(rb.zMin[tile]) / zRangeScale
		zFar := float64(rb.zMax[tile]) / zRangeScale
		if zFar <= zNear {
			return
		}
		dir := intrinsics.PixelToPoint(float64(x), float64(y), 1)

		prevSDF := tau
		prevT := zNear
		t := zNear
		for t < zFar {
			world := pose.TransformPoint(dir.Mul(t))
			sdf, interpolated := m.InterpolateSDF(world)
			if interpolated && sdf <= 0 && prevSDF > 0 {
				// refine the crossing with one linear interpolation
				tHit := prevT + (t-prevT)*prevSDF/(prevSDF-sdf)
				hitWorld := pose.TransformPoint(dir.Mul(tHit))
				grad, ok := m.sdfGradient(hitWorld)
				if !ok {
					return
				}
				res.VMap.Set(x, y, worldToCam.TransformPoint(hitWorld))
				res.NMap.Set(x, y, worldToCam.RotateVector(grad))
				c := m.ColorAt(hitWorld)
				ci := (y*intrinsics.Width + x) * 3
				res.Color[ci] = c[0]
				res.Color[ci+1] = c[1]
				res.Color[ci+2] = c[2]
				return
			}
			prevSDF = sdf
			prevT = t
			// adaptive stride: proportional to the sampled distance, never
			// below one voxel
			step := sdf * m.state.StepScaleRaycast()
			if step < voxelSize {
				step = voxelSize
			}
			t += step
		}
	})
	return res
}

// sdfGradient estimates the SDF gradient at a world point by central
// differences; the normalized gradient is the surface normal, pointing to the
// observed side.
func (m *Map) sdfGradient(p r3.Vector) (r3.Vector, bool) {
	h := m.state.VoxelSize
	xp, _ := m.InterpolateSDF(r3.Vector{X: p.X + h, Y: p.Y, Z: p.Z})
	xm, _ := m.InterpolateSDF(r3.Vector{X: p.X - h, Y: p.Y, Z: p.Z})
	yp, _ := m.InterpolateSDF(r3.Vector{X: p.X, Y: p.Y + h, Z: p.Z})
	ym, _ := m.InterpolateSDF(r3.Vector{X: p.X, Y: p.Y - h, Z: p.Z})
	zp, _ := m.InterpolateSDF(r3.Vector{X: p.X, Y: p.Y, Z: p.Z + h})
	zm, _ := m.InterpolateSDF(r3.Vector{X: p.X, Y: p.Y, Z: p.Z - h})
	g := r3.Vector{X: xp - xm, Y: yp - ym, Z: zp - zm}
	n := g.Norm()
	if n < 1e-12 || math.IsNaN(n) {
		return r3.Vector{}, false
	}
	return g.Mul(1 / n), true
}
