package transaction

import (
	"context"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/isolation"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	retryBackoffBase = 2 * time.Millisecond
	retryBackoffMax  = 200 * time.Millisecond
)

// RunInTxn runs fn in a new transaction and commits it. When fn or the commit fails as a deadlock victim or with
// an update conflict, the transaction is run again in a fresh transaction, at most maxAttempts times in total.
// Any other error rolls the transaction back and is returned as is.
func (m *Manager) RunInTxn(ctx context.Context, level isolation.Level, maxAttempts int, fn func(txn *Txn) error) error {
	backoff := retryBackoffBase
	for attempt := 1; ; attempt++ {
		txn, err := m.Begin(level)
		if err != nil {
			return err
		}
		if err = fn(txn); err == nil {
			err = m.Commit(txn)
		} else {
			m.Rollback(txn)
		}
		if err == nil {
			return nil
		}
		kind := Classify(err)
		if !kind.Retryable() || attempt >= maxAttempts {
			return err
		}
		log.Info("retrying transaction", zap.Uint64("txn", txn.ID), zap.Int("attempt", attempt),
			zap.Stringer("reason", kind))
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > retryBackoffMax {
			backoff = retryBackoffMax
		}
	}
}
