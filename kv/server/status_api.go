package server

import (
	"net/http"

	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/deadlock"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/isolation"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/lock"
	"github.com/unrolled/render"
)

type statusHandler struct {
	m  *transaction.Manager
	rd *render.Render
}

func newStatusHandler(m *transaction.Manager, rd *render.Render) *statusHandler {
	return &statusHandler{
		m:  m,
		rd: rd,
	}
}

func (h *statusHandler) Stats(w http.ResponseWriter, r *http.Request) {
	h.rd.JSON(w, http.StatusOK, h.m.Stats())
}

func (h *statusHandler) Locks(w http.ResponseWriter, r *http.Request) {
	infos := h.m.Locks().Locks()
	if infos == nil {
		infos = []lock.Info{}
	}
	h.rd.JSON(w, http.StatusOK, infos)
}

func (h *statusHandler) HeldBy(w http.ResponseWriter, r *http.Request) {
	id, err := txnIDVar(r)
	if err != nil {
		renderBadRequest(h.rd, w, err)
		return
	}
	infos := h.m.Locks().HeldBy(id)
	if infos == nil {
		infos = []lock.Info{}
	}
	h.rd.JSON(w, http.StatusOK, infos)
}

func (h *statusHandler) Deadlocks(w http.ResponseWriter, r *http.Request) {
	recent := h.m.Detector().Recent()
	if recent == nil {
		recent = []deadlock.Deadlock{}
	}
	h.rd.JSON(w, http.StatusOK, recent)
}

func (h *statusHandler) VersionStore(w http.ResponseWriter, r *http.Request) {
	h.rd.JSON(w, http.StatusOK, h.m.Store().Stats())
}

func (h *statusHandler) GC(w http.ResponseWriter, r *http.Request) {
	h.rd.JSON(w, http.StatusOK, h.m.GC())
}

func (h *statusHandler) Config(w http.ResponseWriter, r *http.Request) {
	h.rd.JSON(w, http.StatusOK, h.m.Config())
}

// LevelInfo is one row of the isolation level table.
type LevelInfo struct {
	Level              isolation.Level `json:"level"`
	DirtyRead          bool            `json:"dirty_read"`
	NonRepeatableRead  bool            `json:"non_repeatable_read"`
	Phantom            bool            `json:"phantom"`
	UsesSnapshot       bool            `json:"uses_snapshot"`
	UpdateConflictable bool            `json:"update_conflictable"`
	Mechanism          string          `json:"mechanism"`
}

func (h *statusHandler) Isolation(w http.ResponseWriter, r *http.Request) {
	infos := make([]LevelInfo, 0, len(isolation.Levels))
	for _, l := range isolation.Levels {
		a := isolation.AnomaliesOf(l)
		infos = append(infos, LevelInfo{
			Level:              l,
			DirtyRead:          a.DirtyRead,
			NonRepeatableRead:  a.NonRepeatableRead,
			Phantom:            a.Phantom,
			UsesSnapshot:       a.UsesSnapshot,
			UpdateConflictable: a.UpdateConflictable,
			Mechanism:          a.Mechanism,
		})
	}
	h.rd.JSON(w, http.StatusOK, infos)
}
