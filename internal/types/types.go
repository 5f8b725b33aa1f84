package types

import "time"

// ContentType is a hint describing how a record payload was produced.
// It is recorded per partition and returned to callers on read; the
// engine itself treats payloads as opaque bytes.
type ContentType int

const (
	ContentRaw ContentType = iota
	ContentJSON
	ContentGTFSRT
	ContentCSV
	ContentGTFS
)

func (c ContentType) String() string {
	switch c {
	case ContentRaw:
		return "raw"
	case ContentJSON:
		return "json"
	case ContentGTFSRT:
		return "gtfs_rt"
	case ContentCSV:
		return "csv"
	case ContentGTFS:
		return "gtfs"
	default:
		return "unknown"
	}
}

// ParseContentType parses a content type name, defaulting to raw.
func ParseContentType(s string) ContentType {
	switch s {
	case "json":
		return ContentJSON
	case "gtfs_rt":
		return ContentGTFSRT
	case "csv":
		return ContentCSV
	case "gtfs":
		return ContentGTFS
	default:
		return ContentRaw
	}
}

// Record is one mobility observation.
type Record struct {
	ID          string
	TimestampMs int64
	Payload     []byte
}

// TimeRange is a half-open interval [StartMs, EndMs) in unix milliseconds.
type TimeRange struct {
	StartMs int64
	EndMs   int64
}

// Contains reports whether ts falls inside the range.
func (r TimeRange) Contains(ts int64) bool {
	return ts >= r.StartMs && ts < r.EndMs
}

// Overlaps reports whether two half-open ranges intersect.
func (r TimeRange) Overlaps(other TimeRange) bool {
	return r.StartMs < other.EndMs && other.StartMs < r.EndMs
}

// Valid reports whether the range is non-empty.
func (r TimeRange) Valid() bool {
	return r.StartMs < r.EndMs
}

func (r TimeRange) Start() time.Time { return time.UnixMilli(r.StartMs) }
func (r TimeRange) End() time.Time   { return time.UnixMilli(r.EndMs) }

// PartitionStatus tracks the lifecycle of a catalog entry.
// Legal transitions: Pending→Committed, Pending→removed,
// Committed→Tombstoned. Nothing else.
type PartitionStatus int

const (
	StatusPending PartitionStatus = iota
	StatusCommitted
	StatusTombstoned
)

func (s PartitionStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCommitted:
		return "committed"
	case StatusTombstoned:
		return "tombstoned"
	default:
		return "unknown"
	}
}

// CatalogEntry describes one partition: a contiguous, atomically written
// span of records for a collection, stored as a single object.
type CatalogEntry struct {
	ID           string
	Collection   string
	Range        TimeRange
	ObjectKey    string
	ByteSize     int64
	RecordCount  int64
	Checksum     string
	Codec        string
	Level        int
	ContentType  ContentType
	Status       PartitionStatus
	CreatedAt    time.Time
	TombstonedAt time.Time
}

// CollectionInfo summarizes a collection for listings. StartMs and
// EndMs are the half-open span covered by its committed partitions,
// not the timestamps of actual records.
type CollectionInfo struct {
	Name           string
	StartMs        int64
	EndMs          int64
	RecordCount    int64
	PartitionCount int64
	TotalBytes     int64
}
