package voxel

import (
	"github.com/golang/geo/r3"
	uatomic "go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/cnxyang/fusion/utils"
)

// Mesh holds the marching-cubes output: flat triangle soup with one normal
// and color per vertex. Vertices are not deduplicated; consumers may merge
// adjacent duplicates if they need a watertight mesh.
type Mesh struct {
	Vertices []r3.Vector
	Normals  []r3.Vector
	Colors   [][3]uint8
}

// NumTriangles returns the triangle count.
func (mesh *Mesh) NumTriangles() int {
	return len(mesh.Vertices) / 3
}

// MeshScene extracts the zero-level surface of the TSDF over all allocated
// blocks. Cells whose corners are not all observed are skipped; triangle
// output is capped at MaxNumMeshTriangles.
func (m *Map) MeshScene() *Mesh {
	entries := m.CommittedEntries()
	maxTris := m.state.MaxNumMeshTriangles

	verts := make([]r3.Vector, m.state.MaxNumMeshVertices())
	norms := make([]r3.Vector, m.state.MaxNumMeshVertices())
	colors := make([][3]uint8, m.state.MaxNumMeshVertices())
	numTris := uatomic.NewInt32(0)

	var group errgroup.Group
	group.SetLimit(utils.ParallelFactor)
	for ei := range entries {
		base := posBlockToVoxel(entries[ei].Pos)
		group.Go(func() error {
			for z := int32(0); z < BlockSize; z++ {
				for y := int32(0); y < BlockSize; y++ {
					for x := int32(0); x < BlockSize; x++ {
						m.meshCell(base.Add(Int3{x, y, z}), verts, norms, colors, numTris, maxTris)
					}
				}
			}
			return nil
		})
	}
	//nolint:errcheck
	group.Wait()

	n := int(numTris.Load())
	if n > maxTris {
		n = maxTris
	}
	return &Mesh{
		Vertices: verts[:3*n],
		Normals:  norms[:3*n],
		Colors:   colors[:3*n],
	}
}

// meshCell runs one marching-cubes cell anchored at global voxel coordinates
// vpos, appending triangles with an atomic counter.
func (m *Map) meshCell(vpos Int3, verts, norms []r3.Vector, colors [][3]uint8, numTris *uatomic.Int32, maxTris int) {
	var sdf [8]float64
	var pos [8]r3.Vector
	caseIdx := 0
	for i, off := range cornerOffsets {
		corner := vpos.Add(off)
		v := m.voxelAt(corner)
		if v == nil || v.Weight == 0 {
			return
		}
		sdf[i] = float64(v.SDF)
		pos[i] = m.state.posVoxelToWorld(corner).Add(r3.Vector{
			X: 0.5 * m.state.VoxelSize,
			Y: 0.5 * m.state.VoxelSize,
			Z: 0.5 * m.state.VoxelSize,
		})
		if sdf[i] < 0 {
			caseIdx |= 1 << i
		}
	}
	if edgeTable[caseIdx] == 0 {
		return
	}

	var edgeVerts [12]r3.Vector
	for e := 0; e < 12; e++ {
		if edgeTable[caseIdx]&(1<<uint(e)) == 0 {
			continue
		}
		c0, c1 := edgeCorners[e][0], edgeCorners[e][1]
		d := sdf[c0] - sdf[c1]
		t := 0.5
		if d != 0 {
			t = sdf[c0] / d
		}
		edgeVerts[e] = pos[c0].Add(pos[c1].Sub(pos[c0]).Mul(t))
	}

	for i := 0; triTable[caseIdx][i] >= 0; i += 3 {
		tri := numTris.Inc() - 1
		if int(tri) >= maxTris {
			return
		}
		a := edgeVerts[triTable[caseIdx][i]]
		b := edgeVerts[triTable[caseIdx][i+1]]
		c := edgeVerts[triTable[caseIdx][i+2]]
		vi := int(tri) * 3
		verts[vi] = a
		verts[vi+1] = b
		verts[vi+2] = c
		for j := 0; j < 3; j++ {
			if g, ok := m.sdfGradient(verts[vi+j]); ok {
				norms[vi+j] = g
			}
			colors[vi+j] = m.ColorAt(verts[vi+j])
		}
	}
}
