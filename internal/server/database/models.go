package database

import "time"

// Upload is the ledger entry written after an object is durably stored.
// Retrieval never reads it; objects resolve from storage alone.
type Upload struct {
	ID           string
	StorageKey   string
	Extension    string
	MediaClass   string
	OriginalName string
	MimeType     string
	Size         int64
	Digest       string
	UploadedAt   time.Time
}

// ClassStats aggregates uploads of one media class.
type ClassStats struct {
	Class string `json:"class"`
	Count int64  `json:"count"`
	Bytes int64  `json:"bytes"`
}

// Stats holds aggregate server statistics.
type Stats struct {
	TotalUploads   int64        `json:"total_uploads"`
	StorageUsed    int64        `json:"storage_used_bytes"`
	DistinctBlobs  int64        `json:"distinct_digests"`
	ByClass        []ClassStats `json:"by_class"`
	LastUploadedAt *time.Time   `json:"last_uploaded_at,omitempty"`
}
