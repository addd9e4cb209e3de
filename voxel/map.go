package voxel

import (
	"runtime"
	"sync/atomic"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	uatomic "go.uber.org/atomic"
)

// Hash primes; the XOR runs over two's-complement representations so negative
// block coordinates hash fine.
const (
	hashP1 = 73856093
	hashP2 = 19349669
	hashP3 = 83492791
)

// Map is the voxel-hashed TSDF store. The hash table has a primary region of
// MaxNumBuckets slots and an excess region chaining collisions; voxel blocks
// live in a single pool indexed by committed entries' Ptr. Lookups are
// lock-free; writers serialize per bucket on a CAS mutex word.
type Map struct {
	state MapState

	entries     []HashEntry
	bucketMutex []int32

	// block pool + free stacks. Each stack is an index array with a top
	// counter; the stack lock covers only the pop/push touch.
	voxels     []Voxel
	heap       []int32
	heapTop    *uatomic.Int32
	heapLock   int32
	excess     []int32
	excessTop  *uatomic.Int32
	excessLock int32

	// visible set, rebuilt each frame
	visible    []int32
	numVisible *uatomic.Int32

	// exhaustion accounting; drops are silent per voxel, surfaced in bulk
	droppedBlocks *uatomic.Int64

	logger golog.Logger
}

// NewMap allocates a map with the given state. Structural config errors are
// fatal here, before any kernel runs.
func NewMap(state MapState, logger golog.Logger) (*Map, error) {
	if err := state.Validate(); err != nil {
		return nil, err
	}
	m := &Map{
		state:         state,
		entries:       make([]HashEntry, state.MaxNumHashEntries),
		bucketMutex:   make([]int32, state.MaxNumBuckets),
		voxels:        make([]Voxel, state.MaxNumVoxels()),
		heap:          make([]int32, state.MaxNumVoxelBlocks),
		heapTop:       uatomic.NewInt32(0),
		excess:        make([]int32, state.NumExcessEntries()),
		excessTop:     uatomic.NewInt32(0),
		visible:       make([]int32, state.MaxNumHashEntries),
		numVisible:    uatomic.NewInt32(0),
		droppedBlocks: uatomic.NewInt64(0),
		logger:        logger,
	}
	m.Reset()
	return m, nil
}

// State returns the map's immutable configuration.
func (m *Map) State() MapState {
	return m.state
}

// Reset returns the map to its post-construction state: all entries
// available, the block heap full, the excess free list the identity.
func (m *Map) Reset() {
	for i := range m.entries {
		m.entries[i] = HashEntry{Ptr: EntryAvailable, Next: -1}
	}
	for i := range m.bucketMutex {
		m.bucketMutex[i] = 0
	}
	for i := range m.voxels {
		m.voxels[i] = Voxel{}
	}
	for i := range m.heap {
		m.heap[i] = int32(i)
	}
	m.heapTop.Store(int32(len(m.heap)))
	for i := range m.excess {
		m.excess[i] = int32(m.state.MaxNumBuckets + i)
	}
	m.excessTop.Store(int32(len(m.excess)))
	m.numVisible.Store(0)
	m.droppedBlocks.Store(0)
}

func (m *Map) hash(p Int3) int32 {
	h := (p.X * hashP1) ^ (p.Y * hashP2) ^ (p.Z * hashP3)
	h %= int32(m.state.MaxNumBuckets)
	if h < 0 {
		h += int32(m.state.MaxNumBuckets)
	}
	return h
}

func lockWord(w *int32) {
	for !atomic.CompareAndSwapInt32(w, 0, 1) {
		runtime.Gosched()
	}
}

func unlockWord(w *int32) {
	atomic.StoreInt32(w, 0)
}

func (m *Map) popStack(stack []int32, top *uatomic.Int32, lock *int32) (int32, bool) {
	lockWord(lock)
	defer unlockWord(lock)
	t := top.Load()
	if t <= 0 {
		return -1, false
	}
	top.Store(t - 1)
	return stack[t-1], true
}

func (m *Map) pushStack(stack []int32, top *uatomic.Int32, lock *int32, v int32) {
	lockWord(lock)
	defer unlockWord(lock)
	t := top.Load()
	stack[t] = v
	top.Store(t + 1)
}

// findEntryIdx walks the bucket's chain lock-free and returns the entry index
// holding bpos, or -1. An entry becomes visible to this walk only after its
// Ptr is published, so partially written entries are never matched.
func (m *Map) findEntryIdx(bpos Int3) int32 {
	idx := m.hash(bpos)
	for {
		e := &m.entries[idx]
		if atomic.LoadInt32(&e.Ptr) >= 0 && e.Pos == bpos {
			return idx
		}
		next := atomic.LoadInt32(&e.Next)
		if next < 0 {
			return -1
		}
		idx = next
	}
}

// FindEntry returns the committed entry for bpos, if any.
func (m *Map) FindEntry(bpos Int3) (HashEntry, bool) {
	idx := m.findEntryIdx(bpos)
	if idx < 0 {
		return HashEntry{}, false
	}
	e := m.entries[idx]
	return e, true
}

// CreateBlock ensures a voxel block exists for bpos, allocating an entry and
// a pool block if needed. Returns the entry index, or -1 when the heap or the
// excess region is exhausted; the caller drops the voxel, not the frame.
func (m *Map) CreateBlock(bpos Int3) int32 {
	b := m.hash(bpos)
	for {
		if idx := m.findEntryIdx(bpos); idx >= 0 {
			return idx
		}
		if !atomic.CompareAndSwapInt32(&m.bucketMutex[b], 0, 1) {
			runtime.Gosched()
			continue
		}
		idx := m.createEntryLocked(bpos, b)
		atomic.StoreInt32(&m.bucketMutex[b], 0)
		return idx
	}
}

// createEntryLocked does the insert with the bucket mutex held. The lock is
// held only across the list splice; lookups continue lock-free throughout.
func (m *Map) createEntryLocked(bpos Int3, b int32) int32 {
	// re-check: another writer may have inserted while we spun
	if idx := m.findEntryIdx(bpos); idx >= 0 {
		return idx
	}

	primary := &m.entries[b]
	if atomic.LoadInt32(&primary.Ptr) == EntryAvailable {
		blockIdx, ok := m.popStack(m.heap, m.heapTop, &m.heapLock)
		if !ok {
			m.droppedBlocks.Inc()
			return -1
		}
		primary.Pos = bpos
		atomic.StoreInt32(&primary.Next, -1)
		atomic.StoreInt32(&primary.Ptr, blockIdx)
		return b
	}

	// walk to the chain tail
	tail := b
	for {
		next := atomic.LoadInt32(&m.entries[tail].Next)
		if next < 0 {
			break
		}
		tail = next
	}

	blockIdx, ok := m.popStack(m.heap, m.heapTop, &m.heapLock)
	if !ok {
		m.droppedBlocks.Inc()
		return -1
	}
	slot, ok := m.popStack(m.excess, m.excessTop, &m.excessLock)
	if !ok {
		m.pushStack(m.heap, m.heapTop, &m.heapLock, blockIdx)
		m.droppedBlocks.Inc()
		return -1
	}

	e := &m.entries[slot]
	e.Pos = bpos
	atomic.StoreInt32(&e.Next, -1)
	atomic.StoreInt32(&e.Ptr, blockIdx)
	atomic.StoreInt32(&m.entries[tail].Next, slot)
	return slot
}

// voxelAt returns a pointer into the pool for the given global voxel
// coordinates, or nil if the owning block is not allocated.
func (m *Map) voxelAt(vpos Int3) *Voxel {
	entryIdx := m.findEntryIdx(posVoxelToBlock(vpos))
	if entryIdx < 0 {
		return nil
	}
	ptr := atomic.LoadInt32(&m.entries[entryIdx].Ptr)
	if ptr < 0 {
		return nil
	}
	return &m.voxels[ptr*BlockSize3+posLocalToIdx(posVoxelToLocal(vpos))]
}

// FindVoxel returns the voxel covering the world-space position.
func (m *Map) FindVoxel(p r3.Vector) (Voxel, bool) {
	v := m.voxelAt(m.state.posWorldToVoxel(p))
	if v == nil {
		return Voxel{}, false
	}
	return *v, true
}

// sdfAt returns the stored SDF at integer voxel coordinates; unobserved
// voxels read as +tau so rays march through unseen space.
func (m *Map) sdfAt(vpos Int3) (float64, bool) {
	v := m.voxelAt(vpos)
	if v == nil || v.Weight == 0 {
		return m.state.TruncateDistance(), false
	}
	return float64(v.SDF), true
}

// InterpolateSDF samples the SDF trilinearly at a world position. The sample
// is valid only when all eight surrounding voxels have been observed.
func (m *Map) InterpolateSDF(p r3.Vector) (float64, bool) {
	inv := m.state.InvVoxelSize()
	gx := p.X*inv - 0.5
	gy := p.Y*inv - 0.5
	gz := p.Z*inv - 0.5
	x0 := int32(floorf(gx))
	y0 := int32(floorf(gy))
	z0 := int32(floorf(gz))
	fx := gx - float64(x0)
	fy := gy - float64(y0)
	fz := gz - float64(z0)

	sum := 0.
	valid := true
	for dz := int32(0); dz <= 1; dz++ {
		for dy := int32(0); dy <= 1; dy++ {
			for dx := int32(0); dx <= 1; dx++ {
				s, ok := m.sdfAt(Int3{x0 + dx, y0 + dy, z0 + dz})
				valid = valid && ok
				wx := fx
				if dx == 0 {
					wx = 1 - fx
				}
				wy := fy
				if dy == 0 {
					wy = 1 - fy
				}
				wz := fz
				if dz == 0 {
					wz = 1 - fz
				}
				sum += s * wx * wy * wz
			}
		}
	}
	return sum, valid
}

// ColorAt returns the nearest voxel's color.
func (m *Map) ColorAt(p r3.Vector) [3]uint8 {
	v, ok := m.FindVoxel(p)
	if !ok {
		return [3]uint8{}
	}
	return v.Color
}

// resetVisible clears the compacted visible set.
func (m *Map) resetVisible() {
	m.numVisible.Store(0)
}

// appendVisible adds a hash-entry index to the visible set.
func (m *Map) appendVisible(entryIdx int32) {
	i := m.numVisible.Inc() - 1
	if int(i) < len(m.visible) {
		m.visible[i] = entryIdx
	}
}

// VisibleEntries returns the entry indices selected by the last visibility
// sweep.
func (m *Map) VisibleEntries() []int32 {
	n := int(m.numVisible.Load())
	if n > len(m.visible) {
		n = len(m.visible)
	}
	return m.visible[:n]
}

// NumAllocatedBlocks is the number of committed voxel blocks.
func (m *Map) NumAllocatedBlocks() int {
	return m.state.MaxNumVoxelBlocks - int(m.heapTop.Load())
}

// NumFreeBlocks is the number of blocks left on the heap.
func (m *Map) NumFreeBlocks() int {
	return int(m.heapTop.Load())
}

// DroppedBlocks is the number of allocations refused for exhaustion since the
// last reset.
func (m *Map) DroppedBlocks() int64 {
	return m.droppedBlocks.Load()
}

// CommittedEntries snapshots all committed hash entries. Intended for the
// mesher and for inspection; not safe against concurrent allocation sweeps.
func (m *Map) CommittedEntries() []HashEntry {
	out := make([]HashEntry, 0, m.NumAllocatedBlocks())
	for i := range m.entries {
		if m.entries[i].Ptr >= 0 {
			out = append(out, m.entries[i])
		}
	}
	return out
}

// blockVoxels returns the pool slice for a committed entry.
func (m *Map) blockVoxels(ptr int32) []Voxel {
	return m.voxels[ptr*BlockSize3 : (ptr+1)*BlockSize3]
}
