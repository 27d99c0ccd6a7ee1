package isolation

import (
	"strings"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/lock"
	"github.com/pingcap/errors"
)

// Level is a transaction isolation level.
type Level int

const (
	ReadUncommitted Level = iota
	ReadCommitted
	// ReadCommittedSnapshot is READ COMMITTED served from statement level snapshots.
	ReadCommittedSnapshot
	RepeatableRead
	Serializable
	Snapshot
)

var levelNames = []string{
	"READ UNCOMMITTED",
	"READ COMMITTED",
	"READ COMMITTED SNAPSHOT",
	"REPEATABLE READ",
	"SERIALIZABLE",
	"SNAPSHOT",
}

// Levels lists every level.
var Levels = []Level{ReadUncommitted, ReadCommitted, ReadCommittedSnapshot, RepeatableRead, Serializable, Snapshot}

func (l Level) String() string {
	if l >= 0 && int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "UNKNOWN"
}

// MarshalText renders the level name for the status API.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	level, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = level
	return nil
}

// ParseLevel accepts the SQL spelling of a level with spaces, underscores or dashes, plus the short forms ru, rc,
// rcsi, rr, ser and si.
func ParseLevel(s string) (Level, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer("_", " ", "-", " ").Replace(norm)
	norm = strings.Join(strings.Fields(norm), " ")
	switch norm {
	case "RU":
		return ReadUncommitted, nil
	case "RC":
		return ReadCommitted, nil
	case "RCSI":
		return ReadCommittedSnapshot, nil
	case "RR":
		return RepeatableRead, nil
	case "SER":
		return Serializable, nil
	case "SI":
		return Snapshot, nil
	}
	for i, name := range levelNames {
		if norm == name {
			return Level(i), nil
		}
	}
	return 0, errors.Errorf("unknown isolation level %q", s)
}

// Op is the kind of access a policy is looked up for.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpScan
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpScan:
		return "scan"
	}
	return "unknown"
}

// Duration is how long a lock taken under a policy is kept.
type Duration int

const (
	DurationNone Duration = iota
	// Released at the end of the statement that took it.
	DurationStatement
	// Held until commit or rollback.
	DurationTransaction
)

// View selects which row version a read sees.
type View int

const (
	// ViewLatest reads the newest version, committed or not.
	ViewLatest View = iota
	// ViewCommitted reads the newest committed version.
	ViewCommitted
	// ViewSnapshot reads the version committed as of the transaction or statement snapshot.
	ViewSnapshot
)

// Policy is the mechanism a level uses for one kind of access.
type Policy struct {
	Lock     lock.Mode
	Duration Duration
	View     View
	// Lock the key ranges a scan reads so no phantom can be inserted into them.
	KeyRange bool
	// Check the write set for concurrent commits at commit time.
	ConflictCheck bool
	// Take a new snapshot at the start of every statement.
	RefreshPerStatement bool
}

// Anomalies records which read phenomena a level allows.
type Anomalies struct {
	DirtyRead          bool
	NonRepeatableRead  bool
	Phantom            bool
	Mechanism          string
	UsesSnapshot       bool
	UpdateConflictable bool
}

type entry struct {
	anomalies Anomalies
	policies  [3]Policy
}

// Writes take X for the transaction under every level, so a row has at most one uncommitted version. Inserts
// under every level also lock the gap they fill for an instant, which is what keeps SERIALIZABLE ranges closed.
var write = Policy{Lock: lock.X, Duration: DurationTransaction, View: ViewCommitted}

var table = map[Level]entry{
	ReadUncommitted: {
		anomalies: Anomalies{DirtyRead: true, NonRepeatableRead: true, Phantom: true,
			Mechanism: "no read locks, ignore lock conflicts"},
		policies: [3]Policy{
			OpRead:  {Lock: lock.NoLock, View: ViewLatest},
			OpWrite: write,
			OpScan:  {Lock: lock.NoLock, View: ViewLatest},
		},
	},
	ReadCommitted: {
		anomalies: Anomalies{NonRepeatableRead: true, Phantom: true,
			Mechanism: "short S lock per statement"},
		policies: [3]Policy{
			OpRead:  {Lock: lock.S, Duration: DurationStatement, View: ViewCommitted},
			OpWrite: write,
			OpScan:  {Lock: lock.S, Duration: DurationStatement, View: ViewCommitted},
		},
	},
	ReadCommittedSnapshot: {
		anomalies: Anomalies{NonRepeatableRead: true, Phantom: true, UsesSnapshot: true,
			Mechanism: "version store read at statement snapshot"},
		policies: [3]Policy{
			OpRead:  {Lock: lock.NoLock, View: ViewSnapshot, RefreshPerStatement: true},
			OpWrite: write,
			OpScan:  {Lock: lock.NoLock, View: ViewSnapshot, RefreshPerStatement: true},
		},
	},
	RepeatableRead: {
		anomalies: Anomalies{Phantom: true,
			Mechanism: "S locks held to end of transaction"},
		policies: [3]Policy{
			OpRead:  {Lock: lock.S, Duration: DurationTransaction, View: ViewCommitted},
			OpWrite: write,
			OpScan:  {Lock: lock.S, Duration: DurationTransaction, View: ViewCommitted},
		},
	},
	Serializable: {
		anomalies: Anomalies{
			Mechanism: "S locks and key-range locks held to end of transaction"},
		policies: [3]Policy{
			OpRead:  {Lock: lock.S, Duration: DurationTransaction, View: ViewCommitted, KeyRange: true},
			OpWrite: write,
			OpScan:  {Lock: lock.S, Duration: DurationTransaction, View: ViewCommitted, KeyRange: true},
		},
	},
	Snapshot: {
		anomalies: Anomalies{UsesSnapshot: true, UpdateConflictable: true,
			Mechanism: "version store read at fixed snapshot, update-conflict check at commit"},
		policies: [3]Policy{
			OpRead:  {Lock: lock.NoLock, View: ViewSnapshot},
			OpWrite: {Lock: lock.X, Duration: DurationTransaction, View: ViewSnapshot, ConflictCheck: true},
			OpScan:  {Lock: lock.NoLock, View: ViewSnapshot},
		},
	},
}

// Lookup returns the policy of level for op.
func Lookup(level Level, op Op) Policy {
	return table[level].policies[op]
}

// AnomaliesOf returns the read phenomena level allows.
func AnomaliesOf(level Level) Anomalies {
	return table[level].anomalies
}

// UsesSnapshot reports whether level reads from snapshots and so needs a registered snapshot sequence.
func UsesSnapshot(level Level) bool {
	return table[level].anomalies.UsesSnapshot
}

// Effective maps READ COMMITTED to READ COMMITTED SNAPSHOT when the database enables statement snapshots.
func Effective(level Level, readCommittedSnapshot bool) Level {
	if level == ReadCommitted && readCommittedSnapshot {
		return ReadCommittedSnapshot
	}
	return level
}
