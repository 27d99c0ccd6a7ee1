package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/juju/ratelimit"
	"github.com/montanaflynn/stats"
	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/isolation"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"
)

const (
	benchTable     uint32 = 1
	initialBalance        = 1000
)

type benchOptions struct {
	level    string
	threads  int
	accounts int
	duration time.Duration
	// Transfers per second over all threads, 0 for unlimited.
	rate          float64
	attempts      int
	detectOnBlock bool
}

// benchResult summarizes a transfer run. Latencies are in milliseconds.
type benchResult struct {
	Committed int64
	Failed    int64
	Elapsed   time.Duration
	Latencies []float64
	Total     int64
	Expected  int64
}

func newBenchCommand() *cobra.Command {
	opts := benchOptions{}
	m := &cobra.Command{
		Use:   "bench",
		Short: "Run concurrent transfers against an in-process manager",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf := config.NewDefaultConfig().Txn
			conf.DeadlockDetectOnBlock = opts.detectOnBlock
			mgr, err := transaction.NewManager(conf, storage.NewMemStorage())
			if err != nil {
				return err
			}
			mgr.Start()
			defer mgr.Close()
			res, err := runBench(context.Background(), mgr, opts)
			if err != nil {
				return err
			}
			return res.print(cmd.OutOrStdout())
		},
	}
	m.Flags().StringVar(&opts.level, "level", "REPEATABLE READ", "isolation level of the transfers")
	m.Flags().IntVar(&opts.threads, "threads", 8, "concurrent clients")
	m.Flags().IntVar(&opts.accounts, "accounts", 100, "number of accounts")
	m.Flags().DurationVar(&opts.duration, "duration", 5*time.Second, "run time")
	m.Flags().Float64Var(&opts.rate, "rate", 0, "transfers per second, 0 for unlimited")
	m.Flags().IntVar(&opts.attempts, "attempts", 10, "attempts per transfer")
	m.Flags().BoolVar(&opts.detectOnBlock, "detect-on-block", true, "run deadlock detection whenever a lock request blocks")
	return m
}

func accountKey(i int) []byte {
	return []byte(fmt.Sprintf("acct%06d", i))
}

func readBalance(ctx context.Context, m *transaction.Manager, txn *transaction.Txn, key []byte) (int64, error) {
	value, found, err := m.Read(ctx, txn, benchTable, key)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, errors.Errorf("account %s missing", key)
	}
	return strconv.ParseInt(string(value), 10, 64)
}

func transfer(ctx context.Context, m *transaction.Manager, txn *transaction.Txn, from, to []byte, amount int64) error {
	a, err := readBalance(ctx, m, txn, from)
	if err != nil {
		return err
	}
	b, err := readBalance(ctx, m, txn, to)
	if err != nil {
		return err
	}
	if err := m.Write(ctx, txn, benchTable, from, []byte(strconv.FormatInt(a-amount, 10))); err != nil {
		return err
	}
	return m.Write(ctx, txn, benchTable, to, []byte(strconv.FormatInt(b+amount, 10)))
}

// runBench loads the accounts, runs random transfers until opts.duration elapses and sums the balances.
func runBench(ctx context.Context, m *transaction.Manager, opts benchOptions) (*benchResult, error) {
	level, err := isolation.ParseLevel(opts.level)
	if err != nil {
		return nil, err
	}
	if opts.accounts < 2 || opts.threads < 1 {
		return nil, errors.New("bench needs at least 2 accounts and 1 thread")
	}
	err = m.RunInTxn(ctx, isolation.ReadCommitted, 1, func(txn *transaction.Txn) error {
		for i := 0; i < opts.accounts; i++ {
			if err := m.Write(ctx, txn, benchTable, accountKey(i), []byte(strconv.Itoa(initialBalance))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Annotate(err, "load accounts")
	}

	var bucket *ratelimit.Bucket
	if opts.rate > 0 {
		bucket = ratelimit.NewBucketWithRate(opts.rate, int64(opts.threads))
	}
	res := &benchResult{Expected: int64(opts.accounts) * initialBalance}
	committed, failed := atomic.NewInt64(0), atomic.NewInt64(0)
	var mu sync.Mutex
	deadline := time.Now().Add(opts.duration)
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < opts.threads; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			var lats []float64
			for time.Now().Before(deadline) && ctx.Err() == nil {
				if bucket != nil {
					bucket.Wait(1)
				}
				from := rnd.Intn(opts.accounts)
				to := (from + 1 + rnd.Intn(opts.accounts-1)) % opts.accounts
				amount := int64(rnd.Intn(100))
				begin := time.Now()
				err := m.RunInTxn(ctx, level, opts.attempts, func(txn *transaction.Txn) error {
					return transfer(ctx, m, txn, accountKey(from), accountKey(to), amount)
				})
				if err != nil {
					failed.Inc()
					continue
				}
				committed.Inc()
				lats = append(lats, float64(time.Since(begin))/float64(time.Millisecond))
			}
			mu.Lock()
			res.Latencies = append(res.Latencies, lats...)
			mu.Unlock()
		}(int64(i) + time.Now().UnixNano())
	}
	wg.Wait()
	res.Elapsed = time.Since(start)
	res.Committed = committed.Load()
	res.Failed = failed.Load()

	err = m.RunInTxn(ctx, isolation.Serializable, opts.attempts, func(txn *transaction.Txn) error {
		rows, err := m.Scan(ctx, txn, benchTable, []byte("acct"), nil)
		if err != nil {
			return err
		}
		res.Total = 0
		for _, row := range rows {
			v, err := strconv.ParseInt(string(row.Value), 10, 64)
			if err != nil {
				return errors.Trace(err)
			}
			res.Total += v
		}
		return nil
	})
	return res, err
}

func (r *benchResult) print(w io.Writer) error {
	tps := float64(r.Committed) / r.Elapsed.Seconds()
	fmt.Fprintf(w, "committed %d, failed %d in %s, %.1f txn/s\n", r.Committed, r.Failed, r.Elapsed, tps)
	if len(r.Latencies) > 0 {
		data := stats.Float64Data(r.Latencies)
		mean, _ := stats.Mean(data)
		p50, _ := stats.Percentile(data, 50)
		p95, _ := stats.Percentile(data, 95)
		p99, _ := stats.Percentile(data, 99)
		max, _ := stats.Max(data)
		fmt.Fprintf(w, "latency ms: avg %.3f, p50 %.3f, p95 %.3f, p99 %.3f, max %.3f\n", mean, p50, p95, p99, max)
	}
	fmt.Fprintf(w, "total balance %d, expected %d\n", r.Total, r.Expected)
	if r.Total != r.Expected {
		return errors.Errorf("balance drifted by %d", r.Total-r.Expected)
	}
	return nil
}
