package mvcc

// VersionIndex links versions of one chain. Zero is the nil link.
type VersionIndex uint32

const nilIndex VersionIndex = 0

const slabSize = 256

// Version is one entry of a row's version chain. CreatedSeq is zero until the creator commits; DeletedSeq is zero
// while no newer committed version exists.
type Version struct {
	Data       []byte
	Tombstone  bool
	Creator    uint64
	CreatedSeq uint64
	DeletedSeq uint64
	next       VersionIndex
}

func (v *Version) committed() bool {
	return v.CreatedSeq != 0
}

func (v *Version) size() int64 {
	return int64(len(v.Data)) + versionOverhead
}

// versionOverhead approximates the fixed cost of a version slot.
const versionOverhead = 64

type slab struct {
	versions [slabSize]Version
	live     int
}

// arena allocates versions from fixed size slabs and links them by index. Freed slots are reused; a trailing slab
// that holds no live version is returned as a whole.
type arena struct {
	slabs []*slab
	free  []VersionIndex
}

func (a *arena) alloc() VersionIndex {
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		a.slabs[a.slabOf(idx)].live++
		return idx
	}
	s := &slab{}
	a.slabs = append(a.slabs, s)
	base := (len(a.slabs) - 1) * slabSize
	// Slot 0 of the first slab is never handed out so that index 0 stays the nil link.
	first := 0
	if base == 0 {
		first = 1
	}
	for i := slabSize - 1; i > first; i-- {
		a.free = append(a.free, VersionIndex(base+i))
	}
	s.live++
	return VersionIndex(base + first)
}

func (a *arena) slabOf(idx VersionIndex) int {
	return int(idx) / slabSize
}

func (a *arena) get(idx VersionIndex) *Version {
	return &a.slabs[a.slabOf(idx)].versions[int(idx)%slabSize]
}

func (a *arena) release(idx VersionIndex) {
	*a.get(idx) = Version{}
	a.slabs[a.slabOf(idx)].live--
	a.free = append(a.free, idx)
}

// shrink drops trailing empty slabs and reports how many were dropped.
func (a *arena) shrink() int {
	dropped := 0
	for len(a.slabs) > 1 && a.slabs[len(a.slabs)-1].live == 0 {
		a.slabs = a.slabs[:len(a.slabs)-1]
		dropped++
	}
	if dropped == 0 {
		return 0
	}
	limit := VersionIndex(len(a.slabs) * slabSize)
	kept := a.free[:0]
	for _, idx := range a.free {
		if idx < limit {
			kept = append(kept, idx)
		}
	}
	a.free = kept
	return dropped
}

func (a *arena) slabCount() int {
	return len(a.slabs)
}
