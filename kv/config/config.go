package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap-incubator/tinytxn/kv/util/typeutil"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Engine names accepted by the `engine` option.
const (
	EngineBadger = "badger"
	EngineMemory = "memory"
)

type Config struct {
	// Log related config.
	Log log.Config `toml:"log" json:"log"`

	StatusAddr string `toml:"status-addr" json:"status-addr"`
	// Engine selects the storage backing committed rows and the commit log.
	Engine string `toml:"engine" json:"engine"`
	// Directory to store the data in. Should exist and be writable.
	StorePath string `toml:"store-path" json:"store-path"`

	Txn TxnConfig `toml:"txn" json:"txn"`

	WarningMsgs []string `toml:"-" json:"-"`

	logger   *zap.Logger
	logProps *log.ZapProperties
}

// TxnConfig holds the knobs of the concurrency core.
type TxnConfig struct {
	// Row/key grants a transaction may hold under one table before escalation is attempted.
	LockEscalationThreshold int `toml:"lock-escalation-threshold" json:"lock-escalation-threshold"`
	// Zero waits forever.
	LockWaitTimeout typeutil.Duration `toml:"lock-wait-timeout" json:"lock-wait-timeout"`
	// How many times a waiting request may be bypassed by later compatible requests.
	StarvationSkipLimit int `toml:"starvation-skip-limit" json:"starvation-skip-limit"`
	LockTableShards     int `toml:"lock-table-shards" json:"lock-table-shards"`

	DeadlockCheckInterval typeutil.Duration `toml:"deadlock-check-interval" json:"deadlock-check-interval"`
	// Also run detection synchronously whenever a request blocks.
	DeadlockDetectOnBlock bool `toml:"deadlock-detect-on-block" json:"deadlock-detect-on-block"`

	SnapshotIsolationEnabled bool `toml:"snapshot-isolation-enabled" json:"snapshot-isolation-enabled"`
	// READ COMMITTED reads use statement level snapshots instead of short S locks.
	ReadCommittedSnapshot bool `toml:"read-committed-snapshot" json:"read-committed-snapshot"`

	VersionStoreShards int               `toml:"version-store-shards" json:"version-store-shards"`
	VersionStoreBudget typeutil.ByteSize `toml:"version-store-budget" json:"version-store-budget"`
	GCInterval         typeutil.Duration `toml:"gc-interval" json:"gc-interval"`

	// Panic instead of logging when the version store detects a broken invariant.
	DebugInvariants bool `toml:"debug-invariants" json:"debug-invariants"`
}

const (
	defaultStatusAddr              = "127.0.0.1:20180"
	defaultStorePath               = "/tmp/tinytxn"
	defaultLockEscalationThreshold = 5000
	defaultStarvationSkipLimit     = 8
	defaultLockTableShards         = 64
	defaultVersionStoreShards      = 64
	defaultDeadlockCheckInterval   = time.Second
	defaultGCInterval              = 10 * time.Second

	KB uint64 = 1024
	MB uint64 = 1024 * 1024
)

const defaultVersionStoreBudget = typeutil.ByteSize(256 * MB)

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		Log:        log.Config{Level: getLogLevel()},
		StatusAddr: defaultStatusAddr,
		Engine:     EngineBadger,
		StorePath:  defaultStorePath,
		Txn: TxnConfig{
			LockEscalationThreshold:  defaultLockEscalationThreshold,
			StarvationSkipLimit:      defaultStarvationSkipLimit,
			LockTableShards:          defaultLockTableShards,
			DeadlockCheckInterval:    typeutil.NewDuration(defaultDeadlockCheckInterval),
			SnapshotIsolationEnabled: true,
			VersionStoreShards:       defaultVersionStoreShards,
			VersionStoreBudget:       defaultVersionStoreBudget,
			GCInterval:               typeutil.NewDuration(defaultGCInterval),
		},
	}
}

func NewTestConfig() *Config {
	return &Config{
		Log:       log.Config{Level: getLogLevel()},
		Engine:    EngineMemory,
		StorePath: defaultStorePath,
		Txn: TxnConfig{
			LockEscalationThreshold:  defaultLockEscalationThreshold,
			StarvationSkipLimit:      defaultStarvationSkipLimit,
			LockTableShards:          8,
			DeadlockCheckInterval:    typeutil.NewDuration(50 * time.Millisecond),
			SnapshotIsolationEnabled: true,
			VersionStoreShards:       8,
			VersionStoreBudget:       defaultVersionStoreBudget,
			GCInterval:               typeutil.NewDuration(100 * time.Millisecond),
			DebugInvariants:          true,
		},
	}
}

func adjustString(v *string, defValue string) {
	if len(*v) == 0 {
		*v = defValue
	}
}

func adjustInt(v *int, defValue int) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustDuration(v *typeutil.Duration, defValue time.Duration) {
	if v.Duration == 0 {
		v.Duration = defValue
	}
}

func adjustByteSize(v *typeutil.ByteSize, defValue typeutil.ByteSize) {
	if *v == 0 {
		*v = defValue
	}
}

// LoadFile decodes a toml file on top of the defaults and adjusts the result.
func LoadFile(path string) (*Config, error) {
	c := NewDefaultConfig()
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, errors.Annotatef(err, "decode config %s", path)
	}
	if err := c.Adjust(&meta); err != nil {
		return nil, err
	}
	return c, nil
}

// Adjust fills unset options with defaults and validates the result.
func (c *Config) Adjust(meta *toml.MetaData) error {
	if meta != nil {
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			errInfo := "Config contains undefined item: "
			for i, key := range undecoded {
				if i > 0 {
					errInfo += ", "
				}
				errInfo += key.String()
			}
			c.WarningMsgs = append(c.WarningMsgs, errInfo)
		}
	}
	adjustString(&c.Log.Level, getLogLevel())
	adjustString(&c.StatusAddr, defaultStatusAddr)
	adjustString(&c.Engine, EngineBadger)
	adjustString(&c.StorePath, defaultStorePath)

	t := &c.Txn
	adjustInt(&t.LockEscalationThreshold, defaultLockEscalationThreshold)
	adjustInt(&t.StarvationSkipLimit, defaultStarvationSkipLimit)
	adjustInt(&t.LockTableShards, defaultLockTableShards)
	adjustInt(&t.VersionStoreShards, defaultVersionStoreShards)
	adjustDuration(&t.DeadlockCheckInterval, defaultDeadlockCheckInterval)
	adjustDuration(&t.GCInterval, defaultGCInterval)
	adjustByteSize(&t.VersionStoreBudget, defaultVersionStoreBudget)
	return c.Validate()
}

func (c *Config) Validate() error {
	if c.Engine != EngineBadger && c.Engine != EngineMemory {
		return errors.Errorf("unknown engine %q", c.Engine)
	}
	t := c.Txn
	if t.LockEscalationThreshold < 0 {
		return errors.New("lock-escalation-threshold must not be negative")
	}
	if t.LockWaitTimeout.Duration < 0 {
		return errors.New("lock-wait-timeout must not be negative")
	}
	if t.StarvationSkipLimit <= 0 {
		return errors.New("starvation-skip-limit must be greater than 0")
	}
	if t.LockTableShards <= 0 || t.VersionStoreShards <= 0 {
		return errors.New("shard count must be greater than 0")
	}
	if t.DeadlockCheckInterval.Duration <= 0 {
		return errors.New("deadlock-check-interval must be greater than 0")
	}
	if t.GCInterval.Duration <= 0 {
		return errors.New("gc-interval must be greater than 0")
	}
	if t.ReadCommittedSnapshot && !t.SnapshotIsolationEnabled {
		return errors.New("read-committed-snapshot requires snapshot-isolation-enabled")
	}
	return nil
}

// SetupLogger setup the logger.
func (c *Config) SetupLogger() error {
	lg, p, err := log.InitLogger(&c.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return err
	}
	c.logger = lg
	c.logProps = p
	return nil
}

// GetZapLogger gets the created zap logger.
func (c *Config) GetZapLogger() *zap.Logger {
	return c.logger
}

// GetZapLogProperties gets properties of the zap logger.
func (c *Config) GetZapLogProperties() *log.ZapProperties {
	return c.logProps
}

func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "<nil>"
	}
	return string(data)
}
