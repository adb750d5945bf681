package main

import (
	"flag"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/mycelia/mycelia/core/infra/bus"
	"github.com/mycelia/mycelia/core/infra/config"
	"github.com/mycelia/mycelia/core/protocol/wire"
	"github.com/mycelia/mycelia/core/report"
)

// Dev feeder: publishes one report request straight onto the bus, bypassing
// the gateway. Useful when poking at a local report engine.
func main() {
	category := flag.String("category", report.CategoryOperations, "report category")
	preset := flag.String("preset", report.PresetLast7d, "range preset")
	format := flag.String("format", "", "export format (json|csv|markdown)")
	tenant := flag.String("tenant", "default", "tenant id")
	flag.Parse()

	cfg := config.Load()

	if !report.ValidCategory(*category) {
		log.Fatalf("unknown category %q", *category)
	}
	rng, err := report.RangeForPreset(*preset, time.Now().UTC())
	if err != nil {
		log.Fatalf("range preset: %v", err)
	}

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		log.Fatalf("connect nats: %v", err)
	}
	defer natsBus.Close()

	req := wire.ReportRequest{
		ID:       uuid.NewString(),
		Scope:    wire.Scope{Tenant: *tenant},
		Category: *category,
		Range:    rng,
		Format:   *format,
		Requester: wire.Requester{
			ID:     "dev-feeder",
			Role:   "admin",
			Tenant: *tenant,
		},
	}
	env, err := wire.NewEnvelope(wire.KindReportRequest, "dev-feeder", req)
	if err != nil {
		log.Fatalf("envelope: %v", err)
	}
	env.Tenant = *tenant

	if err := natsBus.Publish(wire.SubjectReportRequest, env); err != nil {
		log.Fatalf("publish: %v", err)
	}
	log.Printf("sent report request id=%s category=%s tenant=%s", req.ID, *category, *tenant)
}
