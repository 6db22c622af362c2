package migrations

// UpDisputeIndexes adds a status index so the disputes.timeoutDays sweep
// can find open disputes without a full scan.
const UpDisputeIndexes = `
CREATE INDEX IF NOT EXISTS idx_disputes_status ON disputes(status);
`

// DownDisputeIndexes reverses UpDisputeIndexes.
const DownDisputeIndexes = `
DROP INDEX IF EXISTS idx_disputes_status;
`
