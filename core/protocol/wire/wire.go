// Package wire defines the JSON envelope and payload types carried on the bus.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the payload carried by an Envelope.
type Kind string

const (
	KindHeartbeat     Kind = "heartbeat"
	KindPhaseRecord   Kind = "phase_record"
	KindReportRequest Kind = "report_request"
	KindReportReady   Kind = "report_ready"
	KindReportDenied  Kind = "report_denied"
	KindReportFailed  Kind = "report_failed"
	KindTaskCommand   Kind = "task_command"
	KindTaskEvent     Kind = "task_event"
	KindAuditEvent    Kind = "audit_event"
)

// Bus subjects. Record subjects are per phase: record.<slug>.
const (
	SubjectHeartbeat     = "sys.heartbeat"
	SubjectReportRequest = "sys.report.request"
	SubjectReportReady   = "sys.report.ready"
	SubjectReportDenied  = "sys.report.denied"
	SubjectReportFailed  = "sys.report.failed"
	SubjectTaskCommand   = "sys.task.command"
	SubjectTaskEvent     = "sys.task.event"
	SubjectAuditEvent    = "sys.audit.event"

	RecordSubjectPrefix = "record."
)

// RecordSubject returns the bus subject for a phase slug.
func RecordSubject(slug string) string {
	return RecordSubjectPrefix + slug
}

var (
	ErrEmptyEnvelope   = errors.New("empty_envelope")
	ErrMissingID       = errors.New("missing_envelope_id")
	ErrMissingKind     = errors.New("missing_envelope_kind")
	ErrUnknownKind     = errors.New("unknown_envelope_kind")
	ErrMissingPayload  = errors.New("missing_envelope_payload")
	ErrPayloadDecode   = errors.New("payload_decode_failed")
	ErrPayloadEncodeTo = errors.New("payload_encode_failed")
)

var knownKinds = map[Kind]bool{
	KindHeartbeat:     true,
	KindPhaseRecord:   true,
	KindReportRequest: true,
	KindReportReady:   true,
	KindReportDenied:  true,
	KindReportFailed:  true,
	KindTaskCommand:   true,
	KindTaskEvent:     true,
	KindAuditEvent:    true,
}

// Envelope is the frame every bus message travels in. Payload holds the
// Kind-specific body as raw JSON.
type Envelope struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	TS      int64           `json:"ts"` // unix milliseconds
	Source  string          `json:"source,omitempty"`
	Tenant  string          `json:"tenant,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload in a fresh envelope with a generated id and the
// current timestamp.
func NewEnvelope(kind Kind, source string, payload any) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadEncodeTo, err)
	}
	return &Envelope{
		ID:      uuid.NewString(),
		Kind:    kind,
		TS:      time.Now().UnixMilli(),
		Source:  source,
		Payload: body,
	}, nil
}

// Decode unmarshals the payload into the given value.
func (e *Envelope) Decode(into any) error {
	if e == nil || len(e.Payload) == 0 {
		return ErrMissingPayload
	}
	if err := json.Unmarshal(e.Payload, into); err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadDecode, err)
	}
	return nil
}

// Time returns the envelope timestamp as time.Time.
func (e *Envelope) Time() time.Time {
	if e == nil || e.TS == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.TS)
}

// Marshal encodes the envelope for the bus.
func Marshal(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, ErrEmptyEnvelope
	}
	return json.Marshal(e)
}

// Unmarshal decodes and structurally validates an envelope received from the
// bus. Unknown kinds are rejected so stale producers fail loudly.
func Unmarshal(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, ErrEmptyEnvelope
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Validate checks the structural invariants of the envelope.
func (e *Envelope) Validate() error {
	if e == nil {
		return ErrEmptyEnvelope
	}
	if e.ID == "" {
		return ErrMissingID
	}
	if e.Kind == "" {
		return ErrMissingKind
	}
	if !knownKinds[e.Kind] {
		return fmt.Errorf("%w: %s", ErrUnknownKind, e.Kind)
	}
	if len(e.Payload) == 0 {
		return ErrMissingPayload
	}
	return nil
}
