package main

import (
	"context"
	"fmt"
	"os"

	sdk "github.com/mycelia/mycelia/sdk/client"
)

func runAuditCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "tail":
		runAuditTail(args[1:])
	case "stats":
		runAuditStats(args[1:])
	default:
		usage()
		os.Exit(1)
	}
}

func runAuditTail(args []string) {
	fs := newFlagSet("audit tail")
	category := fs.String("category", "", "filter by category")
	outcome := fs.String("outcome", "", "filter by outcome (ok|denied|failed|quarantined)")
	tenant := fs.String("tenant", "", "tenant id")
	cursor := fs.String("cursor", "", "pagination cursor")
	limit := fs.Int("limit", 0, "page size")
	fs.ParseArgs(args)
	client := newClient(*fs.api, *fs.key)
	page, err := client.QueryAudit(context.Background(), *category, *outcome, sdk.ListOptions{
		Tenant: *tenant,
		Cursor: *cursor,
		Limit:  *limit,
	})
	check(err)
	if *fs.jsonOut {
		printJSON(page)
		return
	}
	for _, item := range decodeItems(page) {
		fmt.Printf("%s  %-10s %-22s %-11s actor=%-14s %s\n",
			field(item, "time"), field(item, "category"), field(item, "action"),
			field(item, "outcome"), field(item, "actor"), field(item, "subject"))
	}
	printCursor(page.NextCursor)
}

func runAuditStats(args []string) {
	fs := newFlagSet("audit stats")
	window := fs.String("window", "24h", "stats window")
	fs.ParseArgs(args)
	client := newClient(*fs.api, *fs.key)
	stats, err := client.AuditStats(context.Background(), *window)
	check(err)
	printJSON(stats)
}
