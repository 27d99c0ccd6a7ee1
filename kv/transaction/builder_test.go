package transaction

// This file contains utility code for testing the transaction manager.

import (
	"context"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/isolation"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

const testTable uint32 = 1

// testBuilder is a helper type for running transaction tests.
type testBuilder struct {
	t *testing.T
	m *Manager
	// mem is the backing store of m.
	mem *storage.MemStorage
}

func newBuilder(t *testing.T, adjust ...func(*config.TxnConfig)) *testBuilder {
	conf := config.NewTestConfig().Txn
	for _, f := range adjust {
		f(&conf)
	}
	mem := storage.NewMemStorage()
	m, err := NewManager(conf, mem)
	require.Nil(t, err)
	m.Start()
	return &testBuilder{t: t, m: m, mem: mem}
}

func (b *testBuilder) close() {
	b.m.Close()
}

func (b *testBuilder) begin(level isolation.Level) *Txn {
	txn, err := b.m.Begin(level)
	require.Nil(b.t, err)
	return txn
}

// read returns the value txn sees for key, "<none>" when the row does not exist.
func (b *testBuilder) read(txn *Txn, key string) string {
	value, found, err := b.m.Read(context.Background(), txn, testTable, []byte(key))
	require.Nil(b.t, err)
	if !found {
		return "<none>"
	}
	return string(value)
}

func (b *testBuilder) write(txn *Txn, key, value string) {
	require.Nil(b.t, b.m.Write(context.Background(), txn, testTable, []byte(key), []byte(value)))
}

func (b *testBuilder) commit(txn *Txn) {
	require.Nil(b.t, b.m.Commit(txn))
}

// seed commits key/value pairs given as alternating arguments in one transaction.
func (b *testBuilder) seed(kvs ...string) {
	txn := b.begin(isolation.ReadCommitted)
	for i := 0; i+1 < len(kvs); i += 2 {
		b.write(txn, kvs[i], kvs[i+1])
	}
	b.commit(txn)
}

// latest reads key in a fresh READ COMMITTED transaction.
func (b *testBuilder) latest(key string) string {
	txn := b.begin(isolation.ReadCommitted)
	defer b.m.Rollback(txn)
	return b.read(txn, key)
}

func (b *testBuilder) scanKeys(txn *Txn, start, end string) []string {
	var endKey []byte
	if end != "" {
		endKey = []byte(end)
	}
	rows, err := b.m.Scan(context.Background(), txn, testTable, []byte(start), endKey)
	require.Nil(b.t, err)
	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = string(r.Key)
	}
	return keys
}

// async runs f in a goroutine and returns a channel receiving its error.
func async(f func() error) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- f() }()
	return ch
}

func assertPending(t *testing.T, ch <-chan error) {
	select {
	case err := <-ch:
		t.Fatalf("operation finished while it should be blocked, err %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func waitResult(t *testing.T, ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("operation still blocked")
	}
	return nil
}

// gatedStorage parks the first write issued after arm until open is called.
type gatedStorage struct {
	*storage.MemStorage
	armed   *atomic.Bool
	entered chan struct{}
	gate    chan struct{}
}

func newGatedStorage() *gatedStorage {
	return &gatedStorage{
		MemStorage: storage.NewMemStorage(),
		armed:      atomic.NewBool(false),
		entered:    make(chan struct{}),
		gate:       make(chan struct{}),
	}
}

func (s *gatedStorage) arm() {
	s.armed.Store(true)
}

func (s *gatedStorage) open() {
	close(s.gate)
}

func (s *gatedStorage) Write(batch []storage.Modify) error {
	if s.armed.CAS(true, false) {
		close(s.entered)
		<-s.gate
	}
	return s.MemStorage.Write(batch)
}

// newGatedBuilder returns a builder whose manager writes through a gatedStorage.
func newGatedBuilder(t *testing.T) (*testBuilder, *gatedStorage) {
	st := newGatedStorage()
	m, err := NewManager(config.NewTestConfig().Txn, st)
	require.Nil(t, err)
	m.Start()
	return &testBuilder{t: t, m: m, mem: st.MemStorage}, st
}
