package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/render"
	"github.com/urfave/negroni"
	"go.uber.org/zap"
)

const pingAPI = "/ping"

// Server is the HTTP face of a transaction manager. Clients run transactions through the txn API; operators
// inspect locks, versions and deadlocks through the status API.
type Server struct {
	m  *transaction.Manager
	rd *render.Render
}

func NewServer(m *transaction.Manager) *Server {
	return &Server{
		m: m,
		rd: render.New(render.Options{
			IndentJSON: true,
		}),
	}
}

// Handler returns the routes of s behind panic recovery and access logging.
func (s *Server) Handler() http.Handler {
	n := negroni.New(negroni.NewRecovery(), negroni.HandlerFunc(accessLog))
	n.UseHandler(s.createRouter())
	return n
}

func (s *Server) createRouter() *mux.Router {
	router := mux.NewRouter()

	txnHandler := newTxnHandler(s.m, s.rd)
	router.HandleFunc("/api/v1/txns", txnHandler.List).Methods("GET")
	router.HandleFunc("/api/v1/txns", txnHandler.Begin).Methods("POST")
	router.HandleFunc("/api/v1/txns/{id}", txnHandler.Get).Methods("GET")
	router.HandleFunc("/api/v1/txns/{id}", txnHandler.Rollback).Methods("DELETE")
	router.HandleFunc("/api/v1/txns/{id}/read", txnHandler.Read).Methods("POST")
	router.HandleFunc("/api/v1/txns/{id}/write", txnHandler.Write).Methods("POST")
	router.HandleFunc("/api/v1/txns/{id}/delete", txnHandler.Delete).Methods("POST")
	router.HandleFunc("/api/v1/txns/{id}/scan", txnHandler.Scan).Methods("POST")
	router.HandleFunc("/api/v1/txns/{id}/statement", txnHandler.BeginStatement).Methods("POST")
	router.HandleFunc("/api/v1/txns/{id}/statement", txnHandler.EndStatement).Methods("DELETE")
	router.HandleFunc("/api/v1/txns/{id}/commit", txnHandler.Commit).Methods("POST")

	statusHandler := newStatusHandler(s.m, s.rd)
	router.HandleFunc("/api/v1/stats", statusHandler.Stats).Methods("GET")
	router.HandleFunc("/api/v1/locks", statusHandler.Locks).Methods("GET")
	router.HandleFunc("/api/v1/locks/{id}", statusHandler.HeldBy).Methods("GET")
	router.HandleFunc("/api/v1/deadlocks", statusHandler.Deadlocks).Methods("GET")
	router.HandleFunc("/api/v1/version-store", statusHandler.VersionStore).Methods("GET")
	router.HandleFunc("/api/v1/gc", statusHandler.GC).Methods("POST")
	router.HandleFunc("/api/v1/config", statusHandler.Config).Methods("GET")
	router.HandleFunc("/api/v1/isolation", statusHandler.Isolation).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")
	router.HandleFunc(pingAPI, func(w http.ResponseWriter, r *http.Request) {}).Methods("GET")

	return router
}

func accessLog(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	start := time.Now()
	next(w, r)
	rw := w.(negroni.ResponseWriter)
	log.Debug("http request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", rw.Status()),
		zap.Duration("took", time.Since(start)))
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
}

func statusOf(kind transaction.Kind, err error) int {
	switch kind {
	case transaction.KindNotFound:
		return http.StatusNotFound
	case transaction.KindBlocked, transaction.KindLockTimeout, transaction.KindDeadlockVictim,
		transaction.KindUpdateConflict, transaction.KindNotActive:
		return http.StatusConflict
	case transaction.KindCanceled:
		return http.StatusRequestTimeout
	}
	switch errors.Cause(err) {
	case transaction.ErrSnapshotDisabled:
		return http.StatusBadRequest
	case transaction.ErrClosed:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func renderError(rd *render.Render, w http.ResponseWriter, err error) {
	kind := transaction.Classify(err)
	rd.JSON(w, statusOf(kind, err), errorResponse{
		Error:     err.Error(),
		Kind:      kind.String(),
		Retryable: kind.Retryable(),
	})
}

func renderBadRequest(rd *render.Render, w http.ResponseWriter, err error) {
	rd.JSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: "bad request"})
}
