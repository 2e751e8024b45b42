package consts

// MigrationAdvisoryLockID is the PostgreSQL advisory lock held while schema
// migrations run, so chatd and chat-admin never migrate concurrently.
const MigrationAdvisoryLockID = 62401733

// SnapshotAdvisoryLockID serializes snapshot writes from several chatd
// processes pointed at the same postgres database.
const SnapshotAdvisoryLockID = 62401734
