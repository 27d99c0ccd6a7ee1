package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/server"
	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *transaction.Manager {
	conf := config.NewTestConfig().Txn
	conf.DeadlockDetectOnBlock = true
	m, err := transaction.NewManager(conf, storage.NewMemStorage())
	require.Nil(t, err)
	m.Start()
	return m
}

func newTestSession(t *testing.T) (*session, *bytes.Buffer, func()) {
	m := newTestManager(t)
	srv := httptest.NewServer(server.NewServer(m).Handler())
	out := new(bytes.Buffer)
	return newSession(newClient(srv.URL), out), out, func() {
		srv.Close()
		m.Close()
	}
}

func TestShellAutocommit(t *testing.T) {
	s, out, cleanup := newTestSession(t)
	defer cleanup()

	require.Nil(t, s.exec([]string{"write", "k1", "hello world"}))
	out.Reset()
	require.Nil(t, s.exec([]string{"read", "k1"}))
	assert.Equal(t, "k1=\"hello world\"\n", out.String())
	assert.Zero(t, s.txn)
}

func TestShellExplicitTxn(t *testing.T) {
	s, out, cleanup := newTestSession(t)
	defer cleanup()

	require.Nil(t, s.exec([]string{"begin", "snapshot"}))
	require.NotZero(t, s.txn)
	assert.NotNil(t, s.exec([]string{"begin"}))
	require.Nil(t, s.exec([]string{"write", "a", "1"}))
	require.Nil(t, s.exec([]string{"write", "b", "2"}))
	require.Nil(t, s.exec([]string{"stmt", "begin"}))
	require.Nil(t, s.exec([]string{"stmt", "end"}))
	assert.NotNil(t, s.exec([]string{"stmt", "sideways"}))
	require.Nil(t, s.exec([]string{"commit"}))
	assert.Zero(t, s.txn)

	out.Reset()
	require.Nil(t, s.exec([]string{"scan", "a"}))
	assert.Equal(t, "a=\"1\"\nb=\"2\"\n2 rows\n", out.String())

	require.Nil(t, s.exec([]string{"begin"}))
	require.Nil(t, s.exec([]string{"delete", "a"}))
	require.Nil(t, s.exec([]string{"rollback"}))
	out.Reset()
	require.Nil(t, s.exec([]string{"read", "a"}))
	assert.Equal(t, "a=\"1\"\n", out.String())

	assert.NotNil(t, s.exec([]string{"commit"}))
	assert.NotNil(t, s.exec([]string{"nonsense"}))
}

func TestShellSettings(t *testing.T) {
	s, out, cleanup := newTestSession(t)
	defer cleanup()

	require.Nil(t, s.exec([]string{"level", "rr"}))
	assert.Equal(t, "REPEATABLE READ", s.level)
	assert.NotNil(t, s.exec([]string{"level", "chaos"}))
	require.Nil(t, s.exec([]string{"table", "7"}))
	assert.Equal(t, uint32(7), s.table)
	assert.NotNil(t, s.exec([]string{"table", "x"}))

	require.Nil(t, s.exec([]string{"write", "k", "v"}))
	require.Nil(t, s.exec([]string{"table", "1"}))
	out.Reset()
	require.Nil(t, s.exec([]string{"read", "k"}))
	assert.Equal(t, "k not found\n", out.String())

	out.Reset()
	require.Nil(t, s.exec([]string{"stats"}))
	assert.Contains(t, out.String(), "published_seq")
	require.Nil(t, s.exec([]string{"gc"}))
	require.Nil(t, s.exec([]string{"locks"}))
}

func TestClientErrors(t *testing.T) {
	s, _, cleanup := newTestSession(t)
	defer cleanup()

	_, err := s.c.read(999, 1, "k")
	require.NotNil(t, err)
	e, ok := err.(*apiError)
	require.True(t, ok)
	assert.Equal(t, 404, e.Status)
	assert.Equal(t, "not found", e.Kind)
}

func TestBenchKeepsBalance(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()

	res, err := runBench(context.Background(), m, benchOptions{
		level:    "repeatable read",
		threads:  4,
		accounts: 10,
		duration: 300 * time.Millisecond,
		rate:     500,
		attempts: 20,
	})
	require.Nil(t, err)
	assert.Equal(t, res.Expected, res.Total)
	assert.True(t, res.Committed > 0)
	assert.Equal(t, int(res.Committed), len(res.Latencies))
	out := new(bytes.Buffer)
	require.Nil(t, res.print(out))
	assert.Contains(t, out.String(), "p99")

	_, err = runBench(context.Background(), m, benchOptions{level: "rr", threads: 1, accounts: 1})
	assert.NotNil(t, err)
}
