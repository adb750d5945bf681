package main

import (
	"context"
	"fmt"

	sdk "github.com/mycelia/mycelia/sdk/client"
)

func runRecordsCmd(args []string) {
	fs := newFlagSet("records")
	phase := fs.String("phase", "", "phase slug or number")
	tenant := fs.String("tenant", "", "tenant id")
	facility := fs.String("facility", "", "facility id")
	cursor := fs.String("cursor", "", "pagination cursor")
	limit := fs.Int("limit", 0, "page size")
	raw := fs.Bool("raw", false, "print the unprocessed upstream body")
	fs.ParseArgs(args)
	client := newClient(*fs.api, *fs.key)

	if fs.NArg() > 0 {
		rec, err := client.GetRecord(context.Background(), fs.Arg(0), *raw)
		check(err)
		printRaw(rec)
		return
	}

	page, err := client.ListRecords(context.Background(), *phase, sdk.ListOptions{
		Tenant:   *tenant,
		Facility: *facility,
		Cursor:   *cursor,
		Limit:    *limit,
	})
	check(err)
	if *fs.jsonOut {
		printJSON(page)
		return
	}
	for _, item := range decodeItems(page) {
		scope, _ := item["scope"].(map[string]any)
		fmt.Printf("%-36s  phase=%-3s %-12s sev=%-8s tenant=%s %s\n",
			field(item, "id"), field(item, "phase"), field(item, "family"),
			field(item, "severity"), field(scope, "tenant"), field(item, "occurred_at"))
	}
	printCursor(page.NextCursor)
}
