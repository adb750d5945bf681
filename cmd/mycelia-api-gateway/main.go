package main

import (
	"log"

	"github.com/mycelia/mycelia/core/controlplane/gateway"
	"github.com/mycelia/mycelia/core/infra/buildinfo"
	"github.com/mycelia/mycelia/core/infra/config"
)

func main() {
	log.Println("mycelia api gateway starting...")
	buildinfo.Log("mycelia-api-gateway")
	cfg := config.Load()
	if err := gateway.Run(cfg); err != nil {
		log.Fatalf("api gateway error: %v", err)
	}
}
