package bus

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mycelia/mycelia/core/protocol/wire"
)

// NatsBus is a thin wrapper over a NATS connection that speaks JSON envelopes.
type NatsBus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	jsEnabled bool
	ackWait   time.Duration
}

const (
	envUseJetStream = "NATS_USE_JETSTREAM"
	envJSAckWait    = "NATS_JS_ACK_WAIT"
	envJSMaxAge     = "NATS_JS_MAX_AGE"

	defaultAckWait = 10 * time.Minute
	defaultMaxAge  = 7 * 24 * time.Hour

	streamSys     = "MYCELIA_SYS"
	streamRecords = "MYCELIA_RECORDS"
)

var (
	errNilBus       = errors.New("nats bus not initialized")
	errNilEnvelope  = errors.New("nil bus envelope")
	errEmptySubject = errors.New("empty subject")
)

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("mycelia-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("[BUS] disconnected from NATS: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[BUS] reconnected to NATS at %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Printf("[BUS] connection closed")
		}),
	}
	tlsConfig, err := natsTLSConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("nats tls: %w", err)
	}
	if tlsConfig != nil {
		opts = append(opts, nats.Secure(tlsConfig))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	b := &NatsBus{nc: nc, ackWait: defaultAckWait}
	b.initJetStreamFromEnv()
	return b, nil
}

// Close shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

// Publish sends a JSON-encoded envelope on the given subject.
func (b *NatsBus) Publish(subject string, env *wire.Envelope) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptySubject
	}
	if env == nil {
		return errNilEnvelope
	}
	data, err := wire.Marshal(env)
	if err != nil {
		return err
	}
	if b.jsEnabled && isDurableSubject(subject) {
		msgID := computeMsgID(subject, env)
		if msgID != "" {
			_, err = b.js.Publish(subject, data, nats.MsgId(msgID))
		} else {
			_, err = b.js.Publish(subject, data)
		}
		return err
	}
	return b.nc.Publish(subject, data)
}

// Subscribe attaches a subscription that decodes envelopes and invokes the
// handler. When JetStream is enabled, durable subjects are consumed with
// explicit ack/nak semantics.
func (b *NatsBus) Subscribe(subject, queue string, handler func(*wire.Envelope) error) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptySubject
	}
	if handler == nil {
		return errors.New("nil handler")
	}
	if b.jsEnabled && isDurableSubject(subject) {
		cb := func(msg *nats.Msg) {
			env, err := wire.Unmarshal(msg.Data)
			if err != nil {
				log.Printf("nats bus: failed to decode envelope: %v", err)
				_ = msg.Ack()
				return
			}
			if err := handler(env); err != nil {
				if delay, ok := RetryDelay(err); ok {
					if delay > 0 {
						_ = msg.NakWithDelay(delay)
					} else {
						_ = msg.Nak()
					}
					return
				}
				log.Printf("nats bus: handler error (ack): %v", err)
				_ = msg.Ack()
				return
			}
			_ = msg.Ack()
		}

		opts := []nats.SubOpt{
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.AckWait(b.ackWait),
			nats.MaxAckPending(2048),
		}
		if durable := durableName(subject, queue); durable != "" {
			opts = append(opts, nats.Durable(durable))
		}

		var err error
		if queue == "" {
			_, err = b.js.Subscribe(subject, cb, opts...)
		} else {
			_, err = b.js.QueueSubscribe(subject, queue, cb, opts...)
		}
		return err
	}

	cb := func(msg *nats.Msg) {
		env, err := wire.Unmarshal(msg.Data)
		if err != nil {
			log.Printf("nats bus: failed to decode envelope: %v", err)
			return
		}
		if err := handler(env); err != nil {
			log.Printf("nats bus: handler error: %v", err)
		}
	}
	if queue == "" {
		_, err := b.nc.Subscribe(subject, cb)
		return err
	}
	_, err := b.nc.QueueSubscribe(subject, queue, cb)
	return err
}

func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}

func (b *NatsBus) ConnectedURL() string {
	if b == nil || b.nc == nil {
		return ""
	}
	return b.nc.ConnectedUrl()
}

func initJetStreamEnabled() bool {
	val := strings.TrimSpace(os.Getenv(envUseJetStream))
	if val == "" {
		return false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func (b *NatsBus) initJetStreamFromEnv() {
	if b == nil || b.nc == nil {
		return
	}
	if !initJetStreamEnabled() {
		return
	}
	ackWait := defaultAckWait
	if v := strings.TrimSpace(os.Getenv(envJSAckWait)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			ackWait = d
		}
	}
	maxAge := defaultMaxAge
	if v := strings.TrimSpace(os.Getenv(envJSMaxAge)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			maxAge = d
		}
	}

	js, err := b.nc.JetStream()
	if err != nil {
		log.Printf("[BUS] jetstream init failed: %v", err)
		return
	}
	if _, err := js.AccountInfo(); err != nil {
		log.Printf("[BUS] jetstream not available: %v", err)
		return
	}

	// Ensure streams exist (best-effort).
	ensureStream := func(name string, subjects []string) {
		_, err := js.AddStream(&nats.StreamConfig{
			Name:       name,
			Subjects:   subjects,
			Retention:  nats.LimitsPolicy,
			Storage:    nats.FileStorage,
			MaxAge:     maxAge,
			Duplicates: 2 * time.Minute,
		})
		if err == nil {
			log.Printf("[BUS] jetstream stream ensured name=%s subjects=%v max_age=%s", name, subjects, maxAge)
			return
		}
		// Stream may already exist; treat that as success.
		if _, infoErr := js.StreamInfo(name); infoErr == nil {
			return
		}
		log.Printf("[BUS] jetstream ensure stream failed name=%s: %v", name, err)
	}
	ensureStream(streamSys, []string{"sys.>"})
	ensureStream(streamRecords, []string{"record.>"})

	b.js = js
	b.jsEnabled = true
	b.ackWait = ackWait
	log.Printf("[BUS] jetstream enabled ack_wait=%s", ackWait)
}

// isDurableSubject reports whether messages on the subject must survive
// consumer restarts. Heartbeats and notification events stay ephemeral.
func isDurableSubject(subject string) bool {
	switch subject {
	case wire.SubjectReportRequest, wire.SubjectTaskCommand:
		return true
	}
	return strings.HasPrefix(subject, "record.")
}

func durableName(subject, queue string) string {
	name := strings.ReplaceAll(subject, ".", "_")
	name = strings.ReplaceAll(name, "*", "STAR")
	name = strings.ReplaceAll(name, ">", "GT")
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if queue == "" {
		return "dur_" + name
	}
	q := strings.ReplaceAll(queue, ".", "_")
	q = strings.ReplaceAll(q, "*", "STAR")
	q = strings.ReplaceAll(q, ">", "GT")
	q = strings.TrimSpace(q)
	if q == "" {
		return "dur_" + name
	}
	return "dur_" + q + "__" + name
}

// computeMsgID derives the JetStream dedup key. Envelope IDs are minted per
// submission, so a deliberate resubmit carries a fresh ID and is not dropped.
func computeMsgID(subject string, env *wire.Envelope) string {
	if env == nil {
		return ""
	}
	id := strings.TrimSpace(env.ID)
	if id == "" {
		return ""
	}
	switch env.Kind {
	case wire.KindPhaseRecord:
		return "rec:" + id
	case wire.KindTaskCommand:
		return "cmd:" + id
	default:
		return subject + ":" + id
	}
}
