package frame

import (
	"github.com/golang/geo/r3"
)

// VertexMap stores a back-projected 3D point per pixel, in the camera frame.
type VertexMap struct {
	width  int
	height int
	points []r3.Vector
	valid  []bool
}

// NewVertexMap returns an all-invalid vertex map of the given size.
func NewVertexMap(width, height int) *VertexMap {
	return &VertexMap{
		width:  width,
		height: height,
		points: make([]r3.Vector, width*height),
		valid:  make([]bool, width*height),
	}
}

// Width returns the width in pixels.
func (vm *VertexMap) Width() int { return vm.width }

// Height returns the height in pixels.
func (vm *VertexMap) Height() int { return vm.height }

// At returns the vertex at (x, y) and whether it is valid.
func (vm *VertexMap) At(x, y int) (r3.Vector, bool) {
	i := y*vm.width + x
	return vm.points[i], vm.valid[i]
}

// Set stores a valid vertex at (x, y).
func (vm *VertexMap) Set(x, y int, p r3.Vector) {
	i := y*vm.width + x
	vm.points[i] = p
	vm.valid[i] = true
}

// Invalidate marks (x, y) invalid.
func (vm *VertexMap) Invalidate(x, y int) {
	vm.valid[y*vm.width+x] = false
}

// Contains reports whether (x, y) is inside the map.
func (vm *VertexMap) Contains(x, y int) bool {
	return x >= 0 && y >= 0 && x < vm.width && y < vm.height
}

// NormalMap stores a unit surface normal per pixel, oriented towards the camera.
type NormalMap struct {
	width   int
	height  int
	normals []r3.Vector
	valid   []bool
}

// NewNormalMap returns an all-invalid normal map of the given size.
func NewNormalMap(width, height int) *NormalMap {
	return &NormalMap{
		width:   width,
		height:  height,
		normals: make([]r3.Vector, width*height),
		valid:   make([]bool, width*height),
	}
}

// Width returns the width in pixels.
func (nm *NormalMap) Width() int { return nm.width }

// Height returns the height in pixels.
func (nm *NormalMap) Height() int { return nm.height }

// At returns the normal at (x, y) and whether it is valid.
func (nm *NormalMap) At(x, y int) (r3.Vector, bool) {
	i := y*nm.width + x
	return nm.normals[i], nm.valid[i]
}

// Set stores a valid normal at (x, y).
func (nm *NormalMap) Set(x, y int, n r3.Vector) {
	i := y*nm.width + x
	nm.normals[i] = n
	nm.valid[i] = true
}

// Invalidate marks (x, y) invalid.
func (nm *NormalMap) Invalidate(x, y int) {
	nm.valid[y*nm.width+x] = false
}

// Contains reports whether (x, y) is inside the map.
func (nm *NormalMap) Contains(x, y int) bool {
	return x >= 0 && y >= 0 && x < nm.width && y < nm.height
}
