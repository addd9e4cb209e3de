// Package keymap maintains the sparse keypoint map used for relocalization:
// a hashed spatial grid of 3D keypoints with binary descriptors and a signed
// observation counter driving eviction.
package keymap

import (
	"runtime"
	"sync/atomic"

	"github.com/golang/geo/r3"
	uatomic "go.uber.org/atomic"

	"github.com/cnxyang/fusion/utils"
)

// Grid parameters and observation-count bounds.
const (
	// GridSize is the spatial cell edge in metres.
	GridSize = 0.01
	// MaxKeys is the number of grid cells.
	MaxKeys = 100000
	// NBuckets is the slot count per cell.
	NBuckets = 5
	// MaxEntries is the total slot capacity.
	MaxEntries = MaxKeys * NBuckets
	// MaxObs saturates the observation counter.
	MaxObs = 10
	// MinObsThresh evicts a key when its counter reaches it.
	MinObsThresh = -5

	// matchHammingThresh is the descriptor agreement required to treat an
	// inserted key as a re-observation of an existing one.
	matchHammingThresh = 32
	// matchDistMult bounds the positional agreement, in cells.
	matchDistMult = 3.0
)

const (
	hashP1 = 73856093
	hashP2 = 19349669
	hashP3 = 83492791
)

// Key is one mapped keypoint.
type Key struct {
	Valid      bool
	Pos        r3.Vector
	Normal     r3.Vector
	Descriptor []byte
	Obs        int32
	// matched marks keys re-observed since the last eviction sweep
	matched bool
}

// KeyMap is the hashed grid. Each cell owns NBuckets contiguous slots; a CAS
// mutex word per cell arbitrates writers.
type KeyMap struct {
	keys      []Key
	cellMutex []int32

	droppedKeys *uatomic.Int64
}

// New returns an empty key map at full capacity.
func New() *KeyMap {
	return &KeyMap{
		keys:        make([]Key, MaxEntries),
		cellMutex:   make([]int32, MaxKeys),
		droppedKeys: uatomic.NewInt64(0),
	}
}

// Reset invalidates every key.
func (km *KeyMap) Reset() {
	for i := range km.keys {
		km.keys[i] = Key{}
	}
	km.droppedKeys.Store(0)
}

func cellOf(pos r3.Vector) int32 {
	cx := int32(floorDiv(pos.X))
	cy := int32(floorDiv(pos.Y))
	cz := int32(floorDiv(pos.Z))
	h := (cx * hashP1) ^ (cy * hashP2) ^ (cz * hashP3)
	h %= MaxKeys
	if h < 0 {
		h += MaxKeys
	}
	return h
}

func floorDiv(v float64) int {
	q := int(v / GridSize)
	if v < 0 && float64(q)*GridSize != v {
		q--
	}
	return q
}

func (km *KeyMap) lockCell(c int32) {
	for !atomic.CompareAndSwapInt32(&km.cellMutex[c], 0, 1) {
		runtime.Gosched()
	}
}

func (km *KeyMap) unlockCell(c int32) {
	atomic.StoreInt32(&km.cellMutex[c], 0)
}

// InsertKey folds one observed keypoint into the grid. A slot in the target
// cell matching by descriptor and position is treated as a re-observation:
// its counter saturates upward and its position tracks a running average.
// Otherwise the key takes the first free slot; a full cell drops the key
// silently.
func (km *KeyMap) InsertKey(pos, normal r3.Vector, descriptor []byte) {
	c := cellOf(pos)
	km.lockCell(c)
	defer km.unlockCell(c)

	base := c * NBuckets
	free := int32(-1)
	for i := base; i < base+NBuckets; i++ {
		k := &km.keys[i]
		if !k.Valid {
			if free < 0 {
				free = i
			}
			continue
		}
		dist, err := utils.HammingDistance(k.Descriptor, descriptor)
		if err != nil || dist > matchHammingThresh {
			continue
		}
		if k.Pos.Sub(pos).Norm() > matchDistMult*GridSize {
			continue
		}
		// re-observation: saturating counter, running position average
		if k.Obs < MaxObs {
			k.Obs++
		}
		k.Pos = k.Pos.Add(pos).Mul(0.5)
		k.matched = true
		return
	}
	if free < 0 {
		km.droppedKeys.Inc()
		return
	}
	desc := make([]byte, len(descriptor))
	copy(desc, descriptor)
	km.keys[free] = Key{
		Valid:      true,
		Pos:        pos,
		Normal:     normal,
		Descriptor: desc,
		Obs:        1,
		matched:    true,
	}
}

// ResetKeys runs the eviction sweep over one cell: unmatched keys lose one
// observation, and keys reaching MinObsThresh free their slot. The matched
// marks are cleared for the next round.
func (km *KeyMap) ResetKeys(cell int32) {
	km.lockCell(cell)
	defer km.unlockCell(cell)
	base := cell * NBuckets
	for i := base; i < base+NBuckets; i++ {
		k := &km.keys[i]
		if !k.Valid {
			continue
		}
		if !k.matched {
			k.Obs--
			if k.Obs <= MinObsThresh {
				*k = Key{}
				continue
			}
		}
		k.matched = false
	}
}

// Sweep runs ResetKeys over every cell in parallel.
func (km *KeyMap) Sweep() {
	utils.ParallelForEachIndex(MaxKeys, func(i int) {
		km.ResetKeys(int32(i))
	})
}

// Keys snapshots all valid keys: positions, normals, and descriptors in
// parallel slices. This is the relocalizer's view of the map.
func (km *KeyMap) Keys() ([]r3.Vector, []r3.Vector, [][]byte) {
	positions := make([]r3.Vector, 0, 1024)
	normals := make([]r3.Vector, 0, 1024)
	descriptors := make([][]byte, 0, 1024)
	for i := range km.keys {
		k := &km.keys[i]
		if !k.Valid {
			continue
		}
		positions = append(positions, k.Pos)
		normals = append(normals, k.Normal)
		descriptors = append(descriptors, k.Descriptor)
	}
	return positions, normals, descriptors
}

// NumValid counts the valid keys.
func (km *KeyMap) NumValid() int {
	n := 0
	for i := range km.keys {
		if km.keys[i].Valid {
			n++
		}
	}
	return n
}

// CellKeys returns the valid keys of the cell covering pos; used by tests and
// inspection.
func (km *KeyMap) CellKeys(pos r3.Vector) []Key {
	c := cellOf(pos)
	base := c * NBuckets
	out := []Key{}
	for i := base; i < base+NBuckets; i++ {
		if km.keys[i].Valid {
			out = append(out, km.keys[i])
		}
	}
	return out
}

// DroppedKeys is the number of inserts refused since the last reset.
func (km *KeyMap) DroppedKeys() int64 {
	return km.droppedKeys.Load()
}
