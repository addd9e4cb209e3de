// Package frame implements the per-frame image pipeline: depth maps, the
// bilateral prefilter, the Gaussian pyramid, and the vertex and normal maps
// the dense tracker aligns against.
package frame

import (
	"math"

	"github.com/pkg/errors"
)

// DepthMap stores metric depth per pixel. A value of zero means the sensor
// returned nothing for that pixel.
type DepthMap struct {
	width  int
	height int
	data   []float32
}

// NewEmptyDepthMap returns an all-invalid depth map of the given size.
func NewEmptyDepthMap(width, height int) *DepthMap {
	return &DepthMap{width: width, height: height, data: make([]float32, width*height)}
}

// NewDepthMapFromRaw converts a raw 16-bit depth image into metres using
// scale, the sensor's raw-units-per-metre divisor.
func NewDepthMapFromRaw(raw []uint16, width, height int, scale float64) (*DepthMap, error) {
	if len(raw) != width*height {
		return nil, errors.Errorf("raw depth has %d values, expected %dx%d", len(raw), width, height)
	}
	if scale <= 0 {
		return nil, errors.Errorf("depth scale must be positive, got %f", scale)
	}
	dm := NewEmptyDepthMap(width, height)
	inv := 1.0 / scale
	for i, v := range raw {
		dm.data[i] = float32(float64(v) * inv)
	}
	return dm, nil
}

// Width returns the width in pixels.
func (dm *DepthMap) Width() int { return dm.width }

// Height returns the height in pixels.
func (dm *DepthMap) Height() int { return dm.height }

// GetDepth returns the depth at (x, y) in metres.
func (dm *DepthMap) GetDepth(x, y int) float32 {
	return dm.data[y*dm.width+x]
}

// Set sets the depth at (x, y) in metres.
func (dm *DepthMap) Set(x, y int, d float32) {
	dm.data[y*dm.width+x] = d
}

// Contains reports whether (x, y) is inside the map.
func (dm *DepthMap) Contains(x, y int) bool {
	return x >= 0 && y >= 0 && x < dm.width && y < dm.height
}

// InterpolateDepth samples depth bilinearly at the sub-pixel position (x, y).
// Returns 0 when any of the four neighbours is invalid.
func (dm *DepthMap) InterpolateDepth(x, y float64) float32 {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	if x0 < 0 || y0 < 0 || x0+1 >= dm.width || y0+1 >= dm.height {
		return 0
	}
	d00 := dm.GetDepth(x0, y0)
	d10 := dm.GetDepth(x0+1, y0)
	d01 := dm.GetDepth(x0, y0+1)
	d11 := dm.GetDepth(x0+1, y0+1)
	if d00 == 0 || d10 == 0 || d01 == 0 || d11 == 0 {
		return 0
	}
	fx := float32(x - float64(x0))
	fy := float32(y - float64(y0))
	top := d00*(1-fx) + d10*fx
	bot := d01*(1-fx) + d11*fx
	return top*(1-fy) + bot*fy
}

// Clone returns a deep copy.
func (dm *DepthMap) Clone() *DepthMap {
	out := NewEmptyDepthMap(dm.width, dm.height)
	copy(out.data, dm.data)
	return out
}
