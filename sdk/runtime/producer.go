// Package runtime is a small SDK for building record producers: facility
// sensors, coaching tools, and other upstream systems that feed one phase of
// the pipeline over NATS. A Producer wraps connection handling, envelope
// framing, and heartbeats so a producer binary only has to supply bodies.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mycelia/mycelia/core/protocol/wire"
)

// Config configures a phase record producer.
type Config struct {
	// Name identifies the producer on heartbeats and envelopes.
	Name string
	// Phase is the pipeline phase this producer feeds.
	Phase int
	// Slug is the phase slug; records are published on record.<slug>.
	Slug string
	// Tenant stamps every emitted envelope. Optional for shared feeds.
	Tenant string

	NatsURL           string
	NatsOptions       []nats.Option
	HeartbeatInterval time.Duration
}

// Producer publishes phase records and periodic heartbeats.
type Producer struct {
	cfg     Config
	nc      *nats.Conn
	emitted atomic.Int64
}

// NewProducer connects to NATS and prepares a producer.
func NewProducer(cfg Config) (*Producer, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("producer name required")
	}
	if cfg.Slug == "" {
		return nil, fmt.Errorf("phase slug required")
	}
	if cfg.NatsURL == "" {
		cfg.NatsURL = nats.DefaultURL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	nc, err := nats.Connect(cfg.NatsURL, cfg.NatsOptions...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Producer{cfg: cfg, nc: nc}, nil
}

// Close drains and closes the NATS connection.
func (p *Producer) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}

// Emit marshals body and publishes it as a phase record.
func (p *Producer) Emit(body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	return p.EmitRaw(raw)
}

// EmitRaw publishes a pre-encoded record body on the producer's phase.
func (p *Producer) EmitRaw(raw json.RawMessage) error {
	if p == nil || p.nc == nil {
		return fmt.Errorf("producer not initialized")
	}
	if len(raw) == 0 {
		return fmt.Errorf("record body required")
	}
	env, err := wire.NewEnvelope(wire.KindPhaseRecord, p.cfg.Name, wire.PhaseRecord{
		Phase: p.cfg.Phase,
		Body:  raw,
	})
	if err != nil {
		return err
	}
	env.Tenant = p.cfg.Tenant
	if err := p.publish(wire.RecordSubject(p.cfg.Slug), env); err != nil {
		return err
	}
	p.emitted.Add(1)
	return nil
}

// Run announces the producer on sys.heartbeat until ctx is cancelled, then
// drains the connection. Emit can be called concurrently while Run blocks.
func (p *Producer) Run(ctx context.Context) error {
	if p == nil || p.nc == nil {
		return fmt.Errorf("producer not initialized")
	}
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	_ = p.sendHeartbeat()
	for {
		select {
		case <-ctx.Done():
			return p.Close()
		case <-ticker.C:
			_ = p.sendHeartbeat()
		}
	}
}

func (p *Producer) sendHeartbeat() error {
	env, err := wire.NewEnvelope(wire.KindHeartbeat, p.cfg.Name, wire.Heartbeat{
		Phase:   p.cfg.Phase,
		Slug:    p.cfg.Slug,
		Name:    p.cfg.Name,
		Healthy: true,
		Stats:   map[string]int64{"emitted": p.emitted.Load()},
	})
	if err != nil {
		return err
	}
	env.Tenant = p.cfg.Tenant
	return p.publish(wire.SubjectHeartbeat, env)
}

func (p *Producer) publish(subject string, env *wire.Envelope) error {
	data, err := wire.Marshal(env)
	if err != nil {
		return err
	}
	return p.nc.Publish(subject, data)
}
