package server

import (
	"net/http"

	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/isolation"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/lock"
	"github.com/unrolled/render"
)

type txnHandler struct {
	m  *transaction.Manager
	rd *render.Render
}

func newTxnHandler(m *transaction.Manager, rd *render.Render) *txnHandler {
	return &txnHandler{
		m:  m,
		rd: rd,
	}
}

// BeginRequest starts a transaction. An empty level means READ COMMITTED.
type BeginRequest struct {
	Level string `json:"level"`
}

// RowRequest addresses one row. Value is only used by writes.
type RowRequest struct {
	Table uint32 `json:"table"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// ReadResponse is the row seen by a read.
type ReadResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Found bool   `json:"found"`
}

// ScanRequest selects the rows of Table in [Start, End). An empty End is unbounded.
type ScanRequest struct {
	Table uint32 `json:"table"`
	Start string `json:"start"`
	End   string `json:"end,omitempty"`
}

type Row struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// TxnDetail is a transaction together with the locks it holds.
type TxnDetail struct {
	transaction.TxnInfo
	HeldLocks []lock.Info `json:"held_locks"`
}

type CommitResponse struct {
	ID        uint64 `json:"id"`
	CommitSeq uint64 `json:"commit_seq"`
}

func (h *txnHandler) txn(w http.ResponseWriter, r *http.Request) *transaction.Txn {
	id, err := txnIDVar(r)
	if err != nil {
		renderBadRequest(h.rd, w, err)
		return nil
	}
	txn, err := h.m.Get(id)
	if err != nil {
		renderError(h.rd, w, err)
		return nil
	}
	return txn
}

func (h *txnHandler) List(w http.ResponseWriter, r *http.Request) {
	infos := h.m.ActiveTxns()
	if infos == nil {
		infos = []transaction.TxnInfo{}
	}
	h.rd.JSON(w, http.StatusOK, infos)
}

func (h *txnHandler) Begin(w http.ResponseWriter, r *http.Request) {
	var req BeginRequest
	if err := readJSON(r.Body, &req); err != nil {
		renderBadRequest(h.rd, w, err)
		return
	}
	level := isolation.ReadCommitted
	if req.Level != "" {
		var err error
		if level, err = isolation.ParseLevel(req.Level); err != nil {
			renderBadRequest(h.rd, w, err)
			return
		}
	}
	txn, err := h.m.Begin(level)
	if err != nil {
		renderError(h.rd, w, err)
		return
	}
	h.rd.JSON(w, http.StatusCreated, h.m.Info(txn))
}

func (h *txnHandler) Get(w http.ResponseWriter, r *http.Request) {
	txn := h.txn(w, r)
	if txn == nil {
		return
	}
	h.rd.JSON(w, http.StatusOK, TxnDetail{
		TxnInfo:   h.m.Info(txn),
		HeldLocks: h.m.Locks().HeldBy(txn.ID),
	})
}

func (h *txnHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	txn := h.txn(w, r)
	if txn == nil {
		return
	}
	h.m.Rollback(txn)
	if st := txn.Status(); st != transaction.StatusAborted {
		renderError(h.rd, w, &transaction.ErrTxnNotActive{TxnID: txn.ID, Status: st})
		return
	}
	h.rd.JSON(w, http.StatusOK, nil)
}

func (h *txnHandler) Read(w http.ResponseWriter, r *http.Request) {
	txn := h.txn(w, r)
	if txn == nil {
		return
	}
	var req RowRequest
	if err := readJSON(r.Body, &req); err != nil {
		renderBadRequest(h.rd, w, err)
		return
	}
	value, found, err := h.m.Read(r.Context(), txn, req.Table, []byte(req.Key))
	if err != nil {
		renderError(h.rd, w, err)
		return
	}
	h.rd.JSON(w, http.StatusOK, ReadResponse{Key: req.Key, Value: string(value), Found: found})
}

func (h *txnHandler) Write(w http.ResponseWriter, r *http.Request) {
	txn := h.txn(w, r)
	if txn == nil {
		return
	}
	var req RowRequest
	if err := readJSON(r.Body, &req); err != nil {
		renderBadRequest(h.rd, w, err)
		return
	}
	if err := h.m.Write(r.Context(), txn, req.Table, []byte(req.Key), []byte(req.Value)); err != nil {
		renderError(h.rd, w, err)
		return
	}
	h.rd.JSON(w, http.StatusOK, nil)
}

func (h *txnHandler) Delete(w http.ResponseWriter, r *http.Request) {
	txn := h.txn(w, r)
	if txn == nil {
		return
	}
	var req RowRequest
	if err := readJSON(r.Body, &req); err != nil {
		renderBadRequest(h.rd, w, err)
		return
	}
	if err := h.m.Delete(r.Context(), txn, req.Table, []byte(req.Key)); err != nil {
		renderError(h.rd, w, err)
		return
	}
	h.rd.JSON(w, http.StatusOK, nil)
}

func (h *txnHandler) Scan(w http.ResponseWriter, r *http.Request) {
	txn := h.txn(w, r)
	if txn == nil {
		return
	}
	var req ScanRequest
	if err := readJSON(r.Body, &req); err != nil {
		renderBadRequest(h.rd, w, err)
		return
	}
	var end []byte
	if req.End != "" {
		end = []byte(req.End)
	}
	kvs, err := h.m.Scan(r.Context(), txn, req.Table, []byte(req.Start), end)
	if err != nil {
		renderError(h.rd, w, err)
		return
	}
	rows := make([]Row, 0, len(kvs))
	for _, kv := range kvs {
		rows = append(rows, Row{Key: string(kv.Key), Value: string(kv.Value)})
	}
	h.rd.JSON(w, http.StatusOK, rows)
}

func (h *txnHandler) BeginStatement(w http.ResponseWriter, r *http.Request) {
	txn := h.txn(w, r)
	if txn == nil {
		return
	}
	if err := h.m.BeginStatement(txn); err != nil {
		renderError(h.rd, w, err)
		return
	}
	h.rd.JSON(w, http.StatusOK, nil)
}

func (h *txnHandler) EndStatement(w http.ResponseWriter, r *http.Request) {
	txn := h.txn(w, r)
	if txn == nil {
		return
	}
	h.m.EndStatement(txn)
	h.rd.JSON(w, http.StatusOK, nil)
}

func (h *txnHandler) Commit(w http.ResponseWriter, r *http.Request) {
	txn := h.txn(w, r)
	if txn == nil {
		return
	}
	if err := h.m.Commit(txn); err != nil {
		renderError(h.rd, w, err)
		return
	}
	h.rd.JSON(w, http.StatusOK, CommitResponse{ID: txn.ID, CommitSeq: txn.CommitSeq()})
}
