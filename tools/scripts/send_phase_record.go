package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"github.com/mycelia/mycelia/core/infra/config"
	"github.com/mycelia/mycelia/core/ingest"
	"github.com/mycelia/mycelia/sdk/runtime"
)

// Dev feeder: emits one phase record so a local pipeline has something to
// route. Defaults to a telemetry humidity alert.
func main() {
	slug := flag.String("phase", "telemetry", "phase slug")
	tenant := flag.String("tenant", "default", "tenant id")
	body := flag.String("body", "", "record body JSON (inline or path)")
	flag.Parse()

	cfg := config.Load()
	router := ingest.NewRouter(ingest.DefaultPhases())
	phase, ok := router.PhaseBySlug(*slug)
	if !ok {
		log.Fatalf("unknown phase slug %q", *slug)
	}

	raw := sampleBody()
	if *body != "" {
		raw = loadBody(*body)
	}

	producer, err := runtime.NewProducer(runtime.Config{
		Name:    "dev-feeder",
		Phase:   phase.Number,
		Slug:    phase.Slug,
		Tenant:  *tenant,
		NatsURL: cfg.NatsURL,
	})
	if err != nil {
		log.Fatalf("producer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = producer.Run(ctx) }()

	if err := producer.EmitRaw(raw); err != nil {
		log.Fatalf("emit: %v", err)
	}
	log.Printf("sent record phase=%d slug=%s tenant=%s", phase.Number, phase.Slug, *tenant)

	cancel()
	_ = producer.Close()
}

func sampleBody() json.RawMessage {
	sample := map[string]any{
		"level":   "warning",
		"sensor":  "rh-probe-2",
		"metric":  "humidity",
		"reading": 97.5,
		"unit":    "%",
		"room":    "fruiting-3",
		"batch":   "oyster-2024-11",
	}
	raw, err := json.Marshal(sample)
	if err != nil {
		log.Fatalf("marshal sample: %v", err)
	}
	return raw
}

func loadBody(arg string) json.RawMessage {
	if json.Valid([]byte(arg)) {
		return json.RawMessage(arg)
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		log.Fatalf("read body: %v", err)
	}
	if !json.Valid(data) {
		log.Fatalf("invalid json in %s", arg)
	}
	return data
}
