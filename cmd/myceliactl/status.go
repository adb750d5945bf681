package main

import (
	"context"
	"fmt"

	"github.com/mycelia/mycelia/core/infra/buildinfo"
)

func runStatusCmd(args []string) {
	fs := newFlagSet("status")
	fs.ParseArgs(args)
	client := newClient(*fs.api, *fs.key)
	status, err := client.GetStatus(context.Background())
	check(err)
	printJSON(status)
}

func runPhasesCmd(args []string) {
	fs := newFlagSet("phases")
	fs.ParseArgs(args)
	client := newClient(*fs.api, *fs.key)
	snap, err := client.GetPhases(context.Background())
	check(err)
	if *fs.jsonOut {
		printJSON(snap)
		return
	}
	fmt.Printf("healthy %s/%s (captured %s)\n",
		mapField(snap, "healthy"), mapField(snap, "total"), mapField(snap, "captured_at"))
	phases, ok := snap["phases"].([]any)
	if !ok {
		printJSON(snap)
		return
	}
	for _, raw := range phases {
		phase, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		fmt.Printf("%3s  %-15s healthy=%-5s stale=%-5s last_seen=%s\n",
			field(phase, "phase"), field(phase, "slug"),
			field(phase, "healthy"), field(phase, "stale"), field(phase, "last_seen"))
	}
}

func runVersionCmd(args []string) {
	fs := newFlagSet("version")
	fs.ParseArgs(args)
	fmt.Println(buildinfo.Info())
}

func mapField(m map[string]any, key string) string {
	return field(m, key)
}
