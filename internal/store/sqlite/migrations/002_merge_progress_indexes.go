package migrations

// UpMergeProgressIndexes adds lookup indexes used by the merge coordinator
// when reconciling workstream progress.
const UpMergeProgressIndexes = `
CREATE INDEX IF NOT EXISTS idx_merge_progress_session ON merge_progress(session_id, position);
CREATE INDEX IF NOT EXISTS idx_merge_progress_workstream ON merge_progress(workstream_id);
`

// DownMergeProgressIndexes reverses UpMergeProgressIndexes.
const DownMergeProgressIndexes = `
DROP INDEX IF EXISTS idx_merge_progress_workstream;
DROP INDEX IF EXISTS idx_merge_progress_session;
`
