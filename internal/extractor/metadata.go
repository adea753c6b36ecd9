package extractor

import "sync/atomic"

// metadataDisabled is process-wide: once an auxiliary metadata write
// fails, metadata writes are suppressed for the remainder of the
// process, across every extractor, per the cycle algorithm's step 10.
var metadataDisabled atomic.Bool

// MetadataWritesDisabled reports whether a prior metadata-write failure
// has permanently disabled auxiliary metadata writes for this process.
func MetadataWritesDisabled() bool {
	return metadataDisabled.Load()
}

// disableMetadataWrites trips the process-wide flag. It is idempotent
// and safe for concurrent callers (the concurrent orchestrator variant
// may run several cycles, for different extractors, at once).
func disableMetadataWrites() {
	metadataDisabled.Store(true)
}

// resetMetadataWritesForTest restores the flag to enabled; it exists
// only so tests can run independent of one another's failures.
func resetMetadataWritesForTest() {
	metadataDisabled.Store(false)
}
