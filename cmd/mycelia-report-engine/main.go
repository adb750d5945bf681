package main

import (
	"log"

	"github.com/mycelia/mycelia/core/controlplane/reportengine"
	"github.com/mycelia/mycelia/core/infra/buildinfo"
	"github.com/mycelia/mycelia/core/infra/config"
)

func main() {
	log.Println("mycelia report engine starting...")
	buildinfo.Log("mycelia-report-engine")
	cfg := config.Load()
	if err := reportengine.Run(cfg); err != nil {
		log.Fatalf("report engine error: %v", err)
	}
}
