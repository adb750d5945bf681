package archive

import "context"

// RetentionClass controls bundle TTL semantics.
type RetentionClass string

const (
	RetentionShort    RetentionClass = "short"
	RetentionStandard RetentionClass = "standard"
	RetentionAudit    RetentionClass = "audit"
)

// Metadata describes an archived report bundle.
type Metadata struct {
	BundleID    string         `json:"bundle_id"`
	Category    string         `json:"category,omitempty"`
	Tenant      string         `json:"tenant,omitempty"`
	Facility    string         `json:"facility,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	SizeBytes   int64          `json:"size_bytes,omitempty"`
	Retention   RetentionClass `json:"retention,omitempty"`
	GeneratedAt int64          `json:"generated_at,omitempty"`
}

// Store provides report bundle archival.
type Store interface {
	Put(ctx context.Context, bundleID string, content []byte, meta Metadata) (string, error)
	PutExport(ctx context.Context, bundleID, format string, content []byte, retention RetentionClass) error
	Get(ctx context.Context, bundleID string) ([]byte, Metadata, error)
	GetExport(ctx context.Context, bundleID, format string) ([]byte, error)
	List(ctx context.Context, tenant string, cursorUnix, limit int64) ([]Metadata, error)
}
