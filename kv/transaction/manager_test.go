package transaction

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/commitlog"
	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/isolation"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/lock"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/mvcc"
	"github.com/pingcap-incubator/tinytxn/kv/util/engine_util"
	"github.com/pingcap-incubator/tinytxn/kv/util/typeutil"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withLockTimeout(d time.Duration) func(*config.TxnConfig) {
	return func(c *config.TxnConfig) {
		c.LockWaitTimeout = typeutil.NewDuration(d)
	}
}

// TestReadCommittedNonRepeatableRead a READ COMMITTED transaction sees a row committed between two reads.
func TestReadCommittedNonRepeatableRead(t *testing.T) {
	b := newBuilder(t)
	defer b.close()
	b.seed("r", "10")

	t1 := b.begin(isolation.ReadCommitted)
	assert.Equal(t, "10", b.read(t1, "r"))

	t2 := b.begin(isolation.ReadCommitted)
	b.write(t2, "r", "20")
	b.commit(t2)

	assert.Equal(t, "20", b.read(t1, "r"))
	b.commit(t1)
}

// TestRepeatableReadBlocksWriter the reader keeps its S lock, so the writer waits until the reader commits.
func TestRepeatableReadBlocksWriter(t *testing.T) {
	b := newBuilder(t)
	defer b.close()
	b.seed("r", "10")

	t1 := b.begin(isolation.RepeatableRead)
	assert.Equal(t, "10", b.read(t1, "r"))

	t2 := b.begin(isolation.ReadCommitted)
	done := async(func() error {
		return b.m.Write(context.Background(), t2, testTable, []byte("r"), []byte("20"))
	})
	assertPending(t, done)
	assert.Equal(t, "10", b.read(t1, "r"))

	b.commit(t1)
	require.Nil(t, waitResult(t, done))
	b.commit(t2)
	assert.Equal(t, "20", b.latest("r"))
}

// TestSnapshotUpdateConflict a SNAPSHOT transaction keeps reading its snapshot and fails to commit a row changed
// after it started.
func TestSnapshotUpdateConflict(t *testing.T) {
	b := newBuilder(t)
	defer b.close()
	b.seed("r", "10")

	t1 := b.begin(isolation.Snapshot)
	assert.Equal(t, "10", b.read(t1, "r"))

	t2 := b.begin(isolation.ReadCommitted)
	b.write(t2, "r", "20")
	b.commit(t2)

	// Snapshot reads are stable.
	assert.Equal(t, "10", b.read(t1, "r"))
	b.write(t1, "r", "30")
	assert.Equal(t, "30", b.read(t1, "r"))

	err := b.m.Commit(t1)
	require.NotNil(t, err)
	assert.Equal(t, KindUpdateConflict, Classify(err))
	conflict, ok := errors.Cause(err).(*mvcc.ErrUpdateConflict)
	require.True(t, ok)
	assert.Equal(t, t1.StartSeq, conflict.StartSeq)
	assert.Equal(t, StatusAborted, t1.Status())
	assert.Equal(t, "20", b.latest("r"))

	_, _, err = b.m.Read(context.Background(), t1, testTable, []byte("r"))
	assert.Equal(t, KindNotActive, Classify(err))
}

// TestSnapshotSecondCommitterConflicts both transactions start before either commits; the second one to commit
// gets the conflict.
func TestSnapshotSecondCommitterConflicts(t *testing.T) {
	b := newBuilder(t)
	defer b.close()
	b.seed("r", "0")

	t1 := b.begin(isolation.Snapshot)
	t2 := b.begin(isolation.Snapshot)
	b.write(t1, "r", "1")
	done := async(func() error {
		if err := b.m.Write(context.Background(), t2, testTable, []byte("r"), []byte("2")); err != nil {
			return err
		}
		return b.m.Commit(t2)
	})
	assertPending(t, done)
	b.commit(t1)
	err := waitResult(t, done)
	assert.Equal(t, KindUpdateConflict, Classify(err))
	assert.Equal(t, "1", b.latest("r"))
}

// TestTwoRowDeadlock exactly one of two transactions locking rows in opposite order is chosen as the victim. The
// write sets are equally large, so the newer transaction loses.
func TestTwoRowDeadlock(t *testing.T) {
	b := newBuilder(t)
	defer b.close()
	b.seed("a", "0", "b", "0")

	t1 := b.begin(isolation.ReadCommitted)
	t2 := b.begin(isolation.ReadCommitted)
	b.write(t1, "a", "1")
	b.write(t2, "b", "2")

	r1 := async(func() error {
		return b.m.Write(context.Background(), t1, testTable, []byte("b"), []byte("1"))
	})
	r2 := async(func() error {
		return b.m.Write(context.Background(), t2, testTable, []byte("a"), []byte("2"))
	})
	err2 := waitResult(t, r2)
	require.NotNil(t, err2)
	assert.Equal(t, KindDeadlockVictim, Classify(err2))
	victim := errors.Cause(err2).(*lock.ErrDeadlockVictim)
	assert.Equal(t, t2.ID, victim.TxnID)
	assert.ElementsMatch(t, []uint64{t1.ID, t2.ID}, victim.Cycle)
	// The victim is rolled back by the time the error is returned.
	assert.Equal(t, StatusAborted, t2.Status())
	assert.Empty(t, b.m.Locks().HeldBy(t2.ID))

	require.Nil(t, waitResult(t, r1))
	b.commit(t1)
	assert.Equal(t, "1", b.latest("a"))
	assert.Equal(t, "1", b.latest("b"))

	recent := b.m.Detector().Recent()
	require.NotEmpty(t, recent)
	assert.Equal(t, t2.ID, recent[len(recent)-1].Victim)
}

func TestDeadlockDetectedOnBlock(t *testing.T) {
	b := newBuilder(t, func(c *config.TxnConfig) {
		c.DeadlockDetectOnBlock = true
		c.DeadlockCheckInterval = typeutil.NewDuration(time.Hour)
	})
	defer b.close()
	b.seed("a", "0", "b", "0")

	t1 := b.begin(isolation.RepeatableRead)
	t2 := b.begin(isolation.RepeatableRead)
	// t1 has the larger write set, so t2 is the victim whichever request closes the cycle.
	b.write(t1, "a", "1")
	b.write(t1, "x", "1")
	b.write(t2, "b", "2")

	r1 := async(func() error {
		return b.m.Write(context.Background(), t1, testTable, []byte("b"), []byte("1"))
	})
	err := b.m.Write(context.Background(), t2, testTable, []byte("a"), []byte("2"))
	assert.Equal(t, KindDeadlockVictim, Classify(err))
	require.Nil(t, waitResult(t, r1))
	b.commit(t1)
}

// TestLockTimeoutKeepsTxnActive checks that a lock wait timeout fails the statement only.
func TestLockTimeoutKeepsTxnActive(t *testing.T) {
	b := newBuilder(t, withLockTimeout(50*time.Millisecond))
	defer b.close()
	b.seed("a", "0")

	t1 := b.begin(isolation.ReadCommitted)
	b.write(t1, "a", "1")

	t2 := b.begin(isolation.ReadCommitted)
	err := b.m.Write(context.Background(), t2, testTable, []byte("a"), []byte("2"))
	require.NotNil(t, err)
	assert.Equal(t, KindLockTimeout, Classify(err))
	assert.Equal(t, StatusActive, t2.Status())

	b.write(t2, "b", "2")
	b.commit(t2)
	b.commit(t1)
	assert.Equal(t, "1", b.latest("a"))
	assert.Equal(t, "2", b.latest("b"))
}

func TestContextCancelWhileWaiting(t *testing.T) {
	b := newBuilder(t)
	defer b.close()
	b.seed("a", "0")

	t1 := b.begin(isolation.ReadCommitted)
	b.write(t1, "a", "1")
	t2 := b.begin(isolation.RepeatableRead)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := b.m.Read(ctx, t2, testTable, []byte("a"))
	assert.Equal(t, KindCanceled, Classify(err))
	assert.Equal(t, StatusActive, t2.Status())
	b.commit(t1)
	assert.Equal(t, "1", b.read(t2, "a"))
	b.commit(t2)
}

// TestSerializablePreventsPhantom an insert into a range scanned under SERIALIZABLE waits for the scanner.
func TestSerializablePreventsPhantom(t *testing.T) {
	b := newBuilder(t, withLockTimeout(100*time.Millisecond))
	defer b.close()
	b.seed("b", "1", "d", "1", "x", "1")

	t1 := b.begin(isolation.Serializable)
	assert.Equal(t, []string{"b", "d"}, b.scanKeys(t1, "a", "e"))

	t2 := b.begin(isolation.ReadCommitted)
	err := b.m.Write(context.Background(), t2, testTable, []byte("c"), []byte("1"))
	assert.Equal(t, KindLockTimeout, Classify(err))
	// Before the first key and past the last one as well.
	err = b.m.Write(context.Background(), t2, testTable, []byte("a"), []byte("1"))
	assert.Equal(t, KindLockTimeout, Classify(err))
	err = b.m.Write(context.Background(), t2, testTable, []byte("e"), []byte("1"))
	assert.Equal(t, KindLockTimeout, Classify(err))
	// Outside the locked gaps inserts go through.
	b.write(t2, "y", "1")
	assert.Equal(t, []string{"b", "d"}, b.scanKeys(t1, "a", "e"))

	b.commit(t1)
	b.write(t2, "c", "1")
	b.commit(t2)
	t3 := b.begin(isolation.Serializable)
	assert.Equal(t, []string{"b", "c", "d"}, b.scanKeys(t3, "a", "e"))
	b.commit(t3)
}

func TestSerializablePointReadLocksMissingKey(t *testing.T) {
	b := newBuilder(t, withLockTimeout(100*time.Millisecond))
	defer b.close()
	b.seed("b", "1")

	t1 := b.begin(isolation.Serializable)
	assert.Equal(t, "<none>", b.read(t1, "a"))

	t2 := b.begin(isolation.ReadCommitted)
	err := b.m.Write(context.Background(), t2, testTable, []byte("a"), []byte("1"))
	assert.Equal(t, KindLockTimeout, Classify(err))
	assert.Equal(t, "<none>", b.read(t1, "a"))
	b.commit(t1)
	b.write(t2, "a", "1")
	b.commit(t2)
}

// TestRepeatableReadAllowsPhantom without key-range locks a concurrent insert shows up in the second scan.
func TestRepeatableReadAllowsPhantom(t *testing.T) {
	b := newBuilder(t)
	defer b.close()
	b.seed("b", "1", "d", "1")

	t1 := b.begin(isolation.RepeatableRead)
	assert.Equal(t, []string{"b", "d"}, b.scanKeys(t1, "a", "e"))
	t2 := b.begin(isolation.ReadCommitted)
	b.write(t2, "c", "1")
	b.commit(t2)
	assert.Equal(t, []string{"b", "c", "d"}, b.scanKeys(t1, "a", "e"))
	b.commit(t1)
}

func TestReadUncommittedDirtyRead(t *testing.T) {
	b := newBuilder(t)
	defer b.close()
	b.seed("a", "clean")

	t1 := b.begin(isolation.ReadCommitted)
	b.write(t1, "a", "dirty")

	t2 := b.begin(isolation.ReadUncommitted)
	assert.Equal(t, "dirty", b.read(t2, "a"))
	b.m.Rollback(t1)
	assert.Equal(t, "clean", b.read(t2, "a"))
	b.commit(t2)
}

func TestReadCommittedSnapshot(t *testing.T) {
	b := newBuilder(t, func(c *config.TxnConfig) { c.ReadCommittedSnapshot = true })
	defer b.close()
	b.seed("a", "10")

	t1 := b.begin(isolation.ReadCommitted)
	assert.Equal(t, isolation.ReadCommittedSnapshot, t1.Level)

	require.Nil(t, b.m.BeginStatement(t1))
	assert.Equal(t, "10", b.read(t1, "a"))
	// Snapshot readers take no locks, so the writer does not wait.
	t2 := b.begin(isolation.ReadCommitted)
	b.write(t2, "a", "20")
	assert.Equal(t, "10", b.read(t1, "a"))
	b.commit(t2)
	assert.Equal(t, "10", b.read(t1, "a"))
	b.m.EndStatement(t1)

	assert.Equal(t, "20", b.read(t1, "a"))
	b.commit(t1)
}

func TestStatementLocks(t *testing.T) {
	b := newBuilder(t)
	defer b.close()
	b.seed("a", "1")
	row := lock.RowResource(testTable, 0, []byte("a"))

	rc := b.begin(isolation.ReadCommitted)
	b.read(rc, "a")
	assert.Equal(t, lock.NoLock, b.m.Locks().HeldMode(rc.ID, row))
	assert.Equal(t, lock.IS, b.m.Locks().HeldMode(rc.ID, lock.TableResource(testTable)))

	require.Nil(t, b.m.BeginStatement(rc))
	b.read(rc, "a")
	assert.Equal(t, lock.S, b.m.Locks().HeldMode(rc.ID, row))
	b.m.EndStatement(rc)
	assert.Equal(t, lock.NoLock, b.m.Locks().HeldMode(rc.ID, row))

	// A row written inside the statement keeps its X lock.
	require.Nil(t, b.m.BeginStatement(rc))
	b.read(rc, "a")
	b.write(rc, "a", "2")
	b.m.EndStatement(rc)
	assert.Equal(t, lock.X, b.m.Locks().HeldMode(rc.ID, row))
	b.commit(rc)

	rr := b.begin(isolation.RepeatableRead)
	b.read(rr, "a")
	assert.Equal(t, lock.S, b.m.Locks().HeldMode(rr.ID, row))
	b.commit(rr)
	assert.Equal(t, lock.NoLock, b.m.Locks().HeldMode(rr.ID, row))
}

// TestReadCommittedScanKeepsLocksShort checks that a READ COMMITTED scan over more rows than the escalation
// threshold leaves no table lock behind once its statement ends.
func TestReadCommittedScanKeepsLocksShort(t *testing.T) {
	b := newBuilder(t, withLockTimeout(200*time.Millisecond), func(c *config.TxnConfig) {
		c.LockEscalationThreshold = 4
	})
	defer b.close()
	kvs := make([]string, 0, 20)
	for i := 0; i < 10; i++ {
		kvs = append(kvs, fmt.Sprintf("k%d", i), "0")
	}
	b.seed(kvs...)
	table := lock.TableResource(testTable)

	t1 := b.begin(isolation.ReadCommitted)
	assert.Len(t, b.scanKeys(t1, "", ""), 10)
	assert.Equal(t, lock.IS, b.m.Locks().HeldMode(t1.ID, table))

	require.Nil(t, b.m.BeginStatement(t1))
	assert.Len(t, b.scanKeys(t1, "", ""), 10)
	assert.Equal(t, lock.IS, b.m.Locks().HeldMode(t1.ID, table))
	assert.Equal(t, lock.S, b.m.Locks().HeldMode(t1.ID, lock.RowResource(testTable, 0, []byte("k9"))))
	b.m.EndStatement(t1)
	assert.Len(t, b.m.Locks().HeldBy(t1.ID), 1)

	t2 := b.begin(isolation.ReadCommitted)
	b.write(t2, "k3", "1")
	b.commit(t2)
	assert.Equal(t, "1", b.read(t1, "k3"))
	b.commit(t1)
}

func TestDeleteAndScan(t *testing.T) {
	b := newBuilder(t)
	defer b.close()
	b.seed("a", "1", "b", "1", "c", "1")

	si := b.begin(isolation.Snapshot)
	t1 := b.begin(isolation.ReadCommitted)
	require.Nil(t, b.m.Delete(context.Background(), t1, testTable, []byte("b")))
	assert.Equal(t, []string{"a", "c"}, b.scanKeys(t1, "", ""))
	assert.Equal(t, "<none>", b.read(t1, "b"))
	b.commit(t1)

	assert.Equal(t, []string{"a", "b", "c"}, b.scanKeys(si, "", ""))
	b.commit(si)
	t2 := b.begin(isolation.ReadCommitted)
	assert.Equal(t, []string{"a", "c"}, b.scanKeys(t2, "", ""))
	b.commit(t2)

	b.m.GC()
	assert.False(t, b.m.Store().Contains(testTable, []byte("b")))
	assert.Nil(t, b.mem.Get("row", mvcc.RowKey{Table: testTable, Key: []byte("b")}.Encode()))
}

func TestRollbackUnlinksVersions(t *testing.T) {
	b := newBuilder(t)
	defer b.close()

	t1 := b.begin(isolation.ReadCommitted)
	b.write(t1, "new", "1")
	assert.Equal(t, int64(1), b.m.Store().Stats().Versions)
	b.m.Rollback(t1)
	b.m.Rollback(t1)
	assert.Equal(t, int64(0), b.m.Store().Stats().Versions)
	assert.False(t, b.m.Store().Contains(testTable, []byte("new")))

	ru := b.begin(isolation.ReadUncommitted)
	assert.Equal(t, "<none>", b.read(ru, "new"))
	b.commit(ru)
	assert.Equal(t, KindNotActive, Classify(b.m.Commit(t1)))
	assert.Empty(t, b.m.ActiveTxns())
}

// TestGCKeepsSnapshotVersions versions a registered snapshot can see survive collection until it ends.
func TestGCKeepsSnapshotVersions(t *testing.T) {
	b := newBuilder(t)
	defer b.close()
	b.seed("a", "v1")

	si := b.begin(isolation.Snapshot)
	b.seed("a", "v2")
	b.seed("a", "v3")

	res := b.m.GC()
	assert.Equal(t, si.StartSeq, res.Watermark)
	assert.Equal(t, "v1", b.read(si, "a"))
	assert.Equal(t, "v3", b.latest("a"))
	b.commit(si)

	res = b.m.GC()
	assert.Equal(t, b.m.PublishedSeq()+1, res.Watermark)
	assert.Equal(t, int64(0), b.m.Store().Stats().Versions)
	assert.Equal(t, "v3", b.latest("a"))
}

func TestSnapshotDisabled(t *testing.T) {
	b := newBuilder(t, func(c *config.TxnConfig) { c.SnapshotIsolationEnabled = false })
	defer b.close()
	_, err := b.m.Begin(isolation.Snapshot)
	assert.Equal(t, ErrSnapshotDisabled, err)
	txn := b.begin(isolation.RepeatableRead)
	b.commit(txn)
}

func TestRecovery(t *testing.T) {
	b := newBuilder(t)
	b.seed("a", "1")
	b.seed("b", "2")
	published := b.m.PublishedSeq()
	assert.Equal(t, uint64(2), published)
	open := b.begin(isolation.ReadCommitted)
	b.write(open, "c", "lost")
	b.close()
	assert.Equal(t, StatusAborted, open.Status())

	// A commit whose record is logged but whose images never reached storage.
	clog, err := commitlog.OpenStorageLog(b.mem)
	require.Nil(t, err)
	rec := &commitlog.Record{CommitSeq: published + 1, TxnID: 42, Mutations: []commitlog.Mutation{
		{Table: testTable, Key: []byte("d"), Value: []byte("replayed")},
		{Table: testTable, Key: []byte("a"), Tombstone: true},
	}}
	_, err = clog.Append(rec.Encode())
	require.Nil(t, err)

	m, err := NewManager(config.NewTestConfig().Txn, b.mem)
	require.Nil(t, err)
	b2 := &testBuilder{t: t, m: m, mem: b.mem}
	defer b2.close()
	assert.Equal(t, published+1, m.PublishedSeq())
	assert.Equal(t, "<none>", b2.latest("a"))
	assert.Equal(t, "2", b2.latest("b"))
	assert.Equal(t, "<none>", b2.latest("c"))
	assert.Equal(t, "replayed", b2.latest("d"))

	txn := b2.begin(isolation.ReadCommitted)
	b2.write(txn, "e", "1")
	b2.commit(txn)
	assert.Equal(t, published+2, txn.CommitSeq())
}

// TestRollbackDuringCommit checks that a commit in flight keeps its locks and decides the outcome when the
// transaction is rolled back concurrently.
func TestRollbackDuringCommit(t *testing.T) {
	b, st := newGatedBuilder(t)
	defer b.close()
	ctx := context.Background()

	t1 := b.begin(isolation.ReadCommitted)
	b.write(t1, "k", "v")
	st.arm()
	commitCh := async(func() error { return b.m.Commit(t1) })
	<-st.entered
	assert.Equal(t, StatusPreparing, t1.Status())

	rollbackCh := async(func() error {
		b.m.Rollback(t1)
		return nil
	})
	assertPending(t, rollbackCh)
	t2 := b.begin(isolation.ReadCommitted)
	writeCh := async(func() error { return b.m.Write(ctx, t2, testTable, []byte("k"), []byte("w")) })
	assertPending(t, writeCh)

	st.open()
	require.Nil(t, waitResult(t, commitCh))
	require.Nil(t, waitResult(t, rollbackCh))
	assert.Equal(t, StatusCommitted, t1.Status())
	assert.Equal(t, uint64(1), t1.CommitSeq())
	assert.Equal(t, "v", b.latest("k"))

	require.Nil(t, waitResult(t, writeCh))
	b.commit(t2)
	assert.Equal(t, "w", b.latest("k"))
}

// TestCloseWaitsForCommit checks that Close lets a commit in flight finish instead of rolling it back.
func TestCloseWaitsForCommit(t *testing.T) {
	b, st := newGatedBuilder(t)
	t1 := b.begin(isolation.ReadCommitted)
	b.write(t1, "k", "v")
	st.arm()
	commitCh := async(func() error { return b.m.Commit(t1) })
	<-st.entered

	closeCh := async(func() error {
		b.close()
		return nil
	})
	assertPending(t, closeCh)
	st.open()
	require.Nil(t, waitResult(t, commitCh))
	require.Nil(t, waitResult(t, closeCh))
	assert.Equal(t, StatusCommitted, t1.Status())
	image := st.Get(engine_util.CfRow, mvcc.RowKey{Table: testTable, Key: []byte("k")}.Encode())
	require.NotNil(t, image)
	seq, data, err := mvcc.DecodeImage(image)
	require.Nil(t, err)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, []byte("v"), data)
}

func TestRunInTxnRetriesConflict(t *testing.T) {
	b := newBuilder(t)
	defer b.close()
	b.seed("a", "0")

	attempts := 0
	err := b.m.RunInTxn(context.Background(), isolation.Snapshot, 3, func(txn *Txn) error {
		attempts++
		v := b.read(txn, "a")
		if attempts == 1 {
			b.seed("a", "other")
		}
		return b.m.Write(context.Background(), txn, testTable, []byte("a"), []byte(v+"+1"))
	})
	require.Nil(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, "other+1", b.latest("a"))

	boom := errors.New("boom")
	err = b.m.RunInTxn(context.Background(), isolation.ReadCommitted, 3, func(txn *Txn) error {
		b.write(txn, "a", "never")
		return boom
	})
	assert.Equal(t, boom, err)
	assert.Equal(t, "other+1", b.latest("a"))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		kind Kind
	}{
		{nil, KindNone},
		{&lock.ErrBlocked{}, KindBlocked},
		{errors.Annotate(&lock.ErrLockTimeout{}, "stmt"), KindLockTimeout},
		{errors.Trace(&lock.ErrDeadlockVictim{}), KindDeadlockVictim},
		{&mvcc.ErrUpdateConflict{}, KindUpdateConflict},
		{&ErrTxnNotActive{}, KindNotActive},
		{ErrTxnNotFound(3), KindNotFound},
		{errors.Trace(context.Canceled), KindCanceled},
		{errors.New("other"), KindOther},
	}
	for _, c := range cases {
		assert.Equal(t, c.kind, Classify(c.err), fmt.Sprintf("%v", c.err))
	}
	assert.True(t, KindDeadlockVictim.Retryable())
	assert.False(t, KindLockTimeout.Retryable())
}

func TestCloseRollsBackActive(t *testing.T) {
	b := newBuilder(t)
	txn := b.begin(isolation.ReadCommitted)
	b.write(txn, "a", "1")
	b.close()
	assert.Equal(t, StatusAborted, txn.Status())
	_, err := b.m.Begin(isolation.ReadCommitted)
	assert.Equal(t, ErrClosed, err)
	_, err = b.m.Get(txn.ID)
	assert.Equal(t, KindNotFound, Classify(err))
}

// TestConcurrentTransfers moves money between accounts under REPEATABLE READ, where S to X upgrades deadlock
// often. Victims retry; the total never changes.
func TestConcurrentTransfers(t *testing.T) {
	b := newBuilder(t)
	defer b.close()
	const accounts, workers, transfers = 5, 4, 15
	var kvs []string
	for i := 0; i < accounts; i++ {
		kvs = append(kvs, fmt.Sprintf("acct%d", i), "100")
	}
	b.seed(kvs...)

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for i := 0; i < transfers; i++ {
				from := []byte(fmt.Sprintf("acct%d", rnd.Intn(accounts)))
				to := []byte(fmt.Sprintf("acct%d", rnd.Intn(accounts)))
				amount := rnd.Intn(10) + 1
				err := b.m.RunInTxn(ctx, isolation.RepeatableRead, 100, func(txn *Txn) error {
					fv, _, err := b.m.Read(ctx, txn, testTable, from)
					if err != nil {
						return err
					}
					tv, _, err := b.m.Read(ctx, txn, testTable, to)
					if err != nil {
						return err
					}
					f, _ := strconv.Atoi(string(fv))
					tb, _ := strconv.Atoi(string(tv))
					if string(from) == string(to) {
						return nil
					}
					if err := b.m.Write(ctx, txn, testTable, from, []byte(strconv.Itoa(f-amount))); err != nil {
						return err
					}
					return b.m.Write(ctx, txn, testTable, to, []byte(strconv.Itoa(tb+amount)))
				})
				if err != nil {
					errs <- err
					return
				}
			}
		}(int64(w))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.Nil(t, err)
	}

	txn := b.begin(isolation.Serializable)
	rows, err := b.m.Scan(ctx, txn, testTable, nil, nil)
	require.Nil(t, err)
	require.Len(t, rows, accounts)
	total := 0
	for _, r := range rows {
		v, err := strconv.Atoi(string(r.Value))
		require.Nil(t, err)
		total += v
	}
	assert.Equal(t, accounts*100, total)
	b.commit(txn)
	assert.Empty(t, b.m.ActiveTxns())
	assert.Equal(t, 0, b.m.Locks().Stats().Granted)
}
