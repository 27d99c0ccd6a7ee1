package mvcc

import (
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/util/codec"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// GCResult summarizes one collection pass.
type GCResult struct {
	Watermark uint64        `json:"watermark"`
	Versions  int           `json:"versions"`
	Chains    int           `json:"chains"`
	Keys      int           `json:"keys"`
	Slabs     int           `json:"slabs"`
	Bytes     int64         `json:"bytes"`
	Took      time.Duration `json:"took"`
}

// Collect reclaims every version no snapshot at or above watermark can see. A version deleted at a sequence
// number below watermark is reclaimed together with everything older. A chain reduced to one committed version
// created below watermark is dropped, because storage already holds that image; when the version is a deletion
// the key leaves the index too. The caller must pass a watermark no greater than the oldest registered snapshot.
func (s *Store) Collect(watermark uint64) GCResult {
	start := time.Now()
	res := GCResult{Watermark: watermark}
	for _, sh := range s.shards {
		sh.mu.Lock()
		for enc, head := range sh.chains {
			if !s.checkChain(sh, enc, head) {
				continue
			}
			res.Versions += s.truncate(sh, head, watermark, &res.Bytes)

			h := sh.arena.get(head)
			if h.next != nilIndex || !h.committed() || h.CreatedSeq >= watermark {
				continue
			}
			// A committer holds the latch until the image is durable.
			latch := []byte(enc)
			if !s.latches.TryLatch(latch) {
				continue
			}
			tombstone := h.Tombstone
			res.Bytes += h.size()
			s.account(h, -1)
			sh.arena.release(head)
			delete(sh.chains, enc)
			res.Versions++
			res.Chains++
			if tombstone {
				if table, key, err := codec.DecodeRowKey([]byte(enc)); err == nil {
					s.index.remove(table, key)
					res.Keys++
				}
			}
			s.latches.ReleaseLatches([][]byte{latch})
		}
		res.Slabs += sh.arena.shrink()
		sh.mu.Unlock()
	}
	res.Took = time.Since(start)
	gcVersionCounter.Add(float64(res.Versions))
	gcDuration.Observe(res.Took.Seconds())
	if res.Versions > 0 {
		log.Debug("version store collected", zap.Uint64("watermark", watermark), zap.Int("versions", res.Versions),
			zap.Int("chains", res.Chains), zap.Int("slabs", res.Slabs))
	}
	return res
}

// truncate cuts the chain after the newest version still visible at watermark.
func (s *Store) truncate(sh *shard, head VersionIndex, watermark uint64, freed *int64) int {
	prev := sh.arena.get(head)
	idx := prev.next
	for idx != nilIndex {
		v := sh.arena.get(idx)
		if v.DeletedSeq != 0 && v.DeletedSeq < watermark {
			break
		}
		prev = v
		idx = v.next
	}
	if idx == nilIndex {
		return 0
	}
	prev.next = nilIndex
	n := 0
	for idx != nilIndex {
		v := sh.arena.get(idx)
		next := v.next
		*freed += v.size()
		s.account(v, -1)
		sh.arena.release(idx)
		idx = next
		n++
	}
	return n
}

// checkChain verifies that only the head may be uncommitted and that every version was deleted exactly when its
// successor was created.
func (s *Store) checkChain(sh *shard, enc string, head VersionIndex) bool {
	newer := sh.arena.get(head)
	for idx := newer.next; idx != nilIndex; {
		v := sh.arena.get(idx)
		if !v.committed() || (newer.committed() && v.DeletedSeq != newer.CreatedSeq) ||
			(newer.committed() && v.CreatedSeq >= newer.CreatedSeq) {
			s.invariant("broken version chain", zap.Binary("row", []byte(enc)),
				zap.Uint64("created", v.CreatedSeq), zap.Uint64("deleted", v.DeletedSeq),
				zap.Uint64("successor-created", newer.CreatedSeq))
			return false
		}
		newer = v
		idx = v.next
	}
	return true
}
