package transaction

// The transaction package implements tinytxn's transaction layer. It takes reads, writes and scans issued on behalf
// of SQL transactions and runs them under the isolation level each transaction chose, on top of a lock manager
// (package lock) and an in-memory version store (package mvcc) backed by a Storage.
//
// Every isolation level is described by one row of the policy table in package isolation: which lock mode a read,
// write or scan takes, how long the lock is held, which row version a read sees, whether a scan locks key ranges,
// and whether commit checks for update conflicts. The manager looks the policy up for every operation and never
// branches on the level itself.
//
// *Locks* are taken in the lock manager and are visible to other transactions: they block, they time out, and they
// form the wait-for graph the deadlock detector (package deadlock) searches for cycles. A deadlock victim is rolled
// back by the same routine as an explicit Rollback.
//
// *Versions* are kept per row in the version store. Writers append an uncommitted version; commit stamps it with
// the commit sequence number. Snapshot readers (SNAPSHOT, READ COMMITTED SNAPSHOT) read the newest version committed
// at or before their snapshot and take no locks at all. The collector reclaims versions no registered snapshot can
// see any more.
//
// *Latches* serialize a commit with the collector on the rows it writes. They are held from stamping the versions
// until the row images reach storage, so a chain is never dropped before storage holds its image.
//
// ## Commit sequence numbers
//
// Sequence numbers are assigned under the only global mutex of the package, together with the append of the commit
// record to the commit log, so the log is in sequence order. Commits then finish concurrently and are published in
// sequence order: a new snapshot never sees commit n+1 without commit n.
//
// ## Statements
//
// Statement scoped behavior (READ COMMITTED row locks, READ COMMITTED SNAPSHOT snapshots) applies to each
// operation on its own, or to all operations between BeginStatement and EndStatement.
//
// ## Recovery
//
// NewManager replays the commit log into storage before serving; replay is idempotent. The published sequence
// number continues from the newest commit found in the log or in the stored row images.
