package keymap

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func descWithSeed(seed byte) []byte {
	d := make([]byte, 32)
	for i := range d {
		d[i] = seed
	}
	return d
}

func TestInsertAndReobserve(t *testing.T) {
	km := New()
	pos := r3.Vector{X: 0.105, Y: 0.223, Z: 1.004}
	desc := descWithSeed(0xa5)

	km.InsertKey(pos, r3.Vector{Z: -1}, desc)
	test.That(t, km.NumValid(), test.ShouldEqual, 1)

	// same descriptor, nearby position: a re-observation, not a new key
	km.InsertKey(pos.Add(r3.Vector{X: 0.002}), r3.Vector{Z: -1}, desc)
	test.That(t, km.NumValid(), test.ShouldEqual, 1)

	keys := km.CellKeys(pos)
	test.That(t, len(keys), test.ShouldEqual, 1)
	test.That(t, keys[0].Obs, test.ShouldEqual, int32(2))
	// position tracked the running average
	test.That(t, keys[0].Pos.X, test.ShouldAlmostEqual, 0.106, 1e-9)
}

func TestObservationSaturates(t *testing.T) {
	km := New()
	pos := r3.Vector{X: 0.05, Y: 0.05, Z: 0.5}
	desc := descWithSeed(0x3c)
	for i := 0; i < MaxObs+10; i++ {
		km.InsertKey(pos, r3.Vector{Z: -1}, desc)
	}
	keys := km.CellKeys(pos)
	test.That(t, len(keys), test.ShouldEqual, 1)
	test.That(t, keys[0].Obs, test.ShouldEqual, int32(MaxObs))
}

func TestCellCapacity(t *testing.T) {
	km := New()
	pos := r3.Vector{X: 0.301, Y: 0.502, Z: 0.703}
	// distinct descriptors in one cell; only NBuckets fit
	for i := 0; i < NBuckets+3; i++ {
		km.InsertKey(pos, r3.Vector{Z: -1}, descWithSeed(byte(1<<uint(i%8))))
	}
	test.That(t, len(km.CellKeys(pos)), test.ShouldBeLessThanOrEqualTo, NBuckets)
	test.That(t, km.DroppedKeys(), test.ShouldBeGreaterThan, int64(0))
}

func TestEvictionSweep(t *testing.T) {
	km := New()
	pos := r3.Vector{X: 0.1, Y: 0.1, Z: 0.1}
	km.InsertKey(pos, r3.Vector{Z: -1}, descWithSeed(0x55))
	test.That(t, km.NumValid(), test.ShouldEqual, 1)

	// inserted with one observation; each unmatched sweep decrements, the
	// key dies when the counter reaches MinObsThresh; the first sweep only
	// clears the insert's matched mark
	sweeps := 0
	for km.NumValid() > 0 && sweeps < 20 {
		km.Sweep()
		sweeps++
	}
	test.That(t, km.NumValid(), test.ShouldEqual, 0)
	test.That(t, sweeps, test.ShouldEqual, 1-MinObsThresh+1)
}

func TestSweepSparesReobserved(t *testing.T) {
	km := New()
	pos := r3.Vector{X: 0.2, Y: 0.2, Z: 0.2}
	desc := descWithSeed(0x99)
	km.InsertKey(pos, r3.Vector{Z: -1}, desc)
	for i := 0; i < 5; i++ {
		// a matched key survives any number of sweeps
		km.InsertKey(pos, r3.Vector{Z: -1}, desc)
		km.Sweep()
	}
	test.That(t, km.NumValid(), test.ShouldEqual, 1)
}

func TestObservationBounds(t *testing.T) {
	km := New()
	pos := r3.Vector{X: 0.4, Y: 0.4, Z: 0.4}
	km.InsertKey(pos, r3.Vector{Z: -1}, descWithSeed(0x11))
	for i := 0; i < 4; i++ {
		km.Sweep()
	}
	for _, k := range km.CellKeys(pos) {
		test.That(t, k.Obs, test.ShouldBeGreaterThanOrEqualTo, int32(MinObsThresh))
		test.That(t, k.Obs, test.ShouldBeLessThanOrEqualTo, int32(MaxObs))
	}
}

func TestKeysSnapshot(t *testing.T) {
	km := New()
	km.InsertKey(r3.Vector{X: 1, Y: 0, Z: 1}, r3.Vector{Z: -1}, descWithSeed(0x01))
	km.InsertKey(r3.Vector{X: -1, Y: 0.5, Z: 2}, r3.Vector{Z: -1}, descWithSeed(0x02))
	positions, normals, descriptors := km.Keys()
	test.That(t, len(positions), test.ShouldEqual, 2)
	test.That(t, len(normals), test.ShouldEqual, 2)
	test.That(t, len(descriptors), test.ShouldEqual, 2)

	km.Reset()
	test.That(t, km.NumValid(), test.ShouldEqual, 0)
}
