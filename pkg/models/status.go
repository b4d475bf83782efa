package models

import "strconv"

// DownloadStatus is the outcome code a worker reports for one task
type DownloadStatus int

const (
	StatusFailed       DownloadStatus = -1 // Transport or IO failure
	StatusNotAttempted DownloadStatus = 0
	StatusSaved        DownloadStatus = 1
	StatusRenamed      DownloadStatus = 2 // Saved under a different filename
	StatusUpToDate     DownloadStatus = 3 // Unchanged in the repository
	StatusFromCache    DownloadStatus = 4 // Restored from the data cache
	StatusBlocked      DownloadStatus = 5 // Blocked by a content rule
)

// String implements fmt.Stringer for logging
func (s DownloadStatus) String() string {
	switch s {
	case StatusNotAttempted:
		return "not_attempted"
	case StatusSaved:
		return "saved"
	case StatusRenamed:
		return "saved_renamed"
	case StatusUpToDate:
		return "up_to_date"
	case StatusFromCache:
		return "from_cache"
	case StatusBlocked:
		return "blocked"
	case StatusFailed:
		return "failed"
	}
	return "failed(" + strconv.Itoa(int(s)) + ")"
}

// IsSaved reports whether a file was written to disk
func (s DownloadStatus) IsSaved() bool {
	return s == StatusSaved || s == StatusRenamed
}

// IsSuccess reports whether the task completed without a transport failure
func (s DownloadStatus) IsSuccess() bool {
	return s >= StatusSaved && s <= StatusBlocked
}

// IsFailure reports whether the status is outside the known taxonomy
func (s DownloadStatus) IsFailure() bool {
	return s != StatusNotAttempted && !s.IsSuccess()
}
