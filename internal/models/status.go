package models

import "slices"

// SyncStatus tracks a document's progress through the indexing pipeline
// within one document set.
type SyncStatus string

const (
	SyncPending    SyncStatus = "PENDING"
	SyncProcessing SyncStatus = "PROCESSING"
	SyncSynced     SyncStatus = "SYNCED"
	SyncFailed     SyncStatus = "FAILED"
)

var allSyncStatuses = []SyncStatus{SyncPending, SyncProcessing, SyncSynced, SyncFailed}

// From lists the states a member may be in when it moves to s.
// A new run can restart from anywhere; outcomes require a running attempt.
func (s SyncStatus) From() []SyncStatus {
	switch s {
	case SyncPending, SyncProcessing:
		return allSyncStatuses
	case SyncSynced, SyncFailed:
		return []SyncStatus{SyncProcessing}
	}
	return nil
}

func (s SyncStatus) CanTransitionTo(next SyncStatus) bool {
	return slices.Contains(next.From(), s)
}

func (s SyncStatus) IsTerminal() bool {
	return s == SyncSynced || s == SyncFailed
}

// ExtractionStatus tracks drawing metadata extraction for one FileAsset.
type ExtractionStatus string

const (
	ExtractionPending    ExtractionStatus = "PENDING"
	ExtractionProcessing ExtractionStatus = "PROCESSING"
	ExtractionCompleted  ExtractionStatus = "COMPLETED"
	ExtractionFailed     ExtractionStatus = "FAILED"
	ExtractionSkipped    ExtractionStatus = "SKIPPED"
)

var allExtractionStatuses = []ExtractionStatus{
	ExtractionPending, ExtractionProcessing, ExtractionCompleted, ExtractionFailed, ExtractionSkipped,
}

func (s ExtractionStatus) From() []ExtractionStatus {
	switch s {
	case ExtractionPending, ExtractionProcessing:
		return allExtractionStatuses
	case ExtractionCompleted:
		return []ExtractionStatus{ExtractionProcessing}
	case ExtractionFailed:
		return []ExtractionStatus{ExtractionPending, ExtractionProcessing}
	case ExtractionSkipped:
		return []ExtractionStatus{ExtractionPending, ExtractionProcessing, ExtractionFailed}
	}
	return nil
}

func (s ExtractionStatus) CanTransitionTo(next ExtractionStatus) bool {
	return slices.Contains(next.From(), s)
}

func (s ExtractionStatus) IsTerminal() bool {
	switch s {
	case ExtractionCompleted, ExtractionFailed, ExtractionSkipped:
		return true
	}
	return false
}
