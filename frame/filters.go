package frame

import (
	"image"
	"math"

	"github.com/cnxyang/fusion/transform"
	"github.com/cnxyang/fusion/utils"
)

// GaussianFunction1D takes in a sigma and returns a gaussian function useful for weighing averages or blurring.
func GaussianFunction1D(sigma float64) func(p float64) float64 {
	if sigma <= 0. {
		return func(p float64) float64 {
			return 1.
		}
	}
	return func(p float64) float64 {
		return math.Exp(-0.5*utils.Square(p)/utils.Square(sigma)) / (sigma * math.Sqrt(2.*math.Pi))
	}
}

// BilateralFilter smooths a depth map while preserving depth edges: each pixel
// becomes a weighted average of its neighbourhood, weighted by both spatial
// distance and depth difference. Invalid (zero) samples carry no weight.
func BilateralFilter(dm *DepthMap, spatialSigma, depthSigma float64) *DepthMap {
	radius := utils.MaxInt(1, int(math.Ceil(2*spatialSigma)))
	spatial := GaussianFunction1D(spatialSigma)
	depth := GaussianFunction1D(depthSigma)
	out := NewEmptyDepthMap(dm.Width(), dm.Height())
	utils.ParallelForEachPixel(image.Point{dm.Width(), dm.Height()}, func(x, y int) {
		center := dm.GetDepth(x, y)
		if center == 0 {
			return
		}
		sum := 0.
		weight := 0.
		for dy := -radius; dy <= radius; dy++ {
			for dx := -radius; dx <= radius; dx++ {
				if !dm.Contains(x+dx, y+dy) {
					continue
				}
				d := dm.GetDepth(x+dx, y+dy)
				if d == 0 {
					continue
				}
				w := spatial(math.Hypot(float64(dx), float64(dy))) * depth(float64(d-center))
				sum += w * float64(d)
				weight += w
			}
		}
		if weight > 0 {
			out.Set(x, y, float32(sum/weight))
		}
	})
	return out
}

// PyrDownGaussian halves the resolution of a depth map with a Gaussian-weighted
// average over valid samples. Samples further than 3 sigma in depth from the
// centre pixel are excluded so that object boundaries do not smear.
func PyrDownGaussian(src *DepthMap) *DepthMap {
	const sigma = 0.03
	w := src.Width() / 2
	h := src.Height() / 2
	out := NewEmptyDepthMap(w, h)
	utils.ParallelForEachPixel(image.Point{w, h}, func(x, y int) {
		center := src.GetDepth(2*x, 2*y)
		if center == 0 {
			return
		}
		sum := 0.
		weight := 0.
		for dy := -1; dy <= 2; dy++ {
			for dx := -1; dx <= 2; dx++ {
				sx, sy := 2*x+dx, 2*y+dy
				if !src.Contains(sx, sy) {
					continue
				}
				d := src.GetDepth(sx, sy)
				if d == 0 || math.Abs(float64(d-center)) > 3*sigma {
					continue
				}
				w := 1.0
				if dx < 0 || dx > 1 || dy < 0 || dy > 1 {
					w = 0.5
				}
				sum += w * float64(d)
				weight += w
			}
		}
		if weight > 0 {
			out.Set(x, y, float32(sum/weight))
		}
	})
	return out
}

// BackProjectPoints lifts every valid depth pixel into a camera-frame 3D
// point. Pixels outside (0, depthCutoff] stay invalid.
func BackProjectPoints(dm *DepthMap, intrinsics *transform.PinholeCameraIntrinsics, depthCutoff float64) *VertexMap {
	vm := NewVertexMap(dm.Width(), dm.Height())
	utils.ParallelForEachPixel(image.Point{dm.Width(), dm.Height()}, func(x, y int) {
		d := float64(dm.GetDepth(x, y))
		if d <= 0 || d > depthCutoff {
			return
		}
		vm.Set(x, y, intrinsics.PixelToPoint(float64(x), float64(y), d))
	})
	return vm
}

// SubsampleMaps halves the resolution of a vertex/normal map pair by taking
// every second pixel. Used to rebuild the coarse pyramid levels of a raycast
// reference frame.
func SubsampleMaps(vm *VertexMap, nm *NormalMap) (*VertexMap, *NormalMap) {
	w := vm.Width() / 2
	h := vm.Height() / 2
	outV := NewVertexMap(w, h)
	outN := NewNormalMap(w, h)
	utils.ParallelForEachPixel(image.Point{w, h}, func(x, y int) {
		if v, ok := vm.At(2*x, 2*y); ok {
			outV.Set(x, y, v)
		}
		if n, ok := nm.At(2*x, 2*y); ok {
			outN.Set(x, y, n)
		}
	})
	return outV, outN
}

// ComputeNormalMap derives per-pixel surface normals from the cross product of
// neighbouring vertex differences, oriented to face the camera.
func ComputeNormalMap(vm *VertexMap) *NormalMap {
	nm := NewNormalMap(vm.Width(), vm.Height())
	utils.ParallelForEachPixel(image.Point{vm.Width() - 1, vm.Height() - 1}, func(x, y int) {
		v00, ok0 := vm.At(x, y)
		v10, ok1 := vm.At(x+1, y)
		v01, ok2 := vm.At(x, y+1)
		if !ok0 || !ok1 || !ok2 {
			return
		}
		n := v10.Sub(v00).Cross(v01.Sub(v00))
		norm := n.Norm()
		if norm < 1e-12 {
			return
		}
		n = n.Mul(1 / norm)
		if n.Dot(v00) > 0 {
			n = n.Mul(-1)
		}
		nm.Set(x, y, n)
	})
	return nm
}
