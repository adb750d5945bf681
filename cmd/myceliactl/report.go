package main

import (
	"context"
	"fmt"
	"os"
	"time"

	sdk "github.com/mycelia/mycelia/sdk/client"
)

const (
	waitPollInterval = 2 * time.Second
	waitTimeout      = 2 * time.Minute
)

func runReportCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "submit":
		runReportSubmit(args[1:])
	case "get":
		runReportGet(args[1:])
	case "export":
		runReportExport(args[1:])
	case "list":
		runReportList(args[1:])
	default:
		usage()
		os.Exit(1)
	}
}

func runReportSubmit(args []string) {
	fs := newFlagSet("report submit")
	category := fs.String("category", "", "report category")
	preset := fs.String("preset", "", "range preset (last_24h|last_7d|last_30d|quarter)")
	from := fs.String("from", "", "range start (RFC3339)")
	to := fs.String("to", "", "range end (RFC3339)")
	format := fs.String("format", "", "export format (json|csv|markdown)")
	tenant := fs.String("tenant", "", "tenant id")
	facility := fs.String("facility", "", "facility id")
	wait := fs.Bool("wait", false, "poll until the bundle is archived")
	fs.ParseArgs(args)

	if *category == "" {
		fail("report category required")
	}
	req := &sdk.SubmitReportRequest{
		Category: *category,
		Preset:   *preset,
		Format:   *format,
		Scope:    sdk.Scope{Tenant: *tenant, Facility: *facility},
	}
	if *from != "" || *to != "" {
		req.Range.From = parseTimeFlag(*from)
		req.Range.To = parseTimeFlag(*to)
	}

	client := newClient(*fs.api, *fs.key)
	submittedAt := time.Now().Add(-time.Second)
	requestID, err := client.SubmitReport(context.Background(), req)
	check(err)
	fmt.Printf("accepted request_id=%s\n", requestID)

	if !*wait {
		return
	}
	bundle, err := waitForBundle(client, *category, *tenant, submittedAt)
	check(err)
	fmt.Printf("ready bundle_id=%s\n", field(bundle, "bundle_id"))
	if *fs.jsonOut {
		printJSON(bundle)
	}
}

// waitForBundle polls the archive list for a bundle of the requested category
// generated after the submission instant.
func waitForBundle(client *sdk.Client, category, tenant string, since time.Time) (map[string]any, error) {
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		page, err := client.ListReports(context.Background(), category, sdk.ListOptions{Tenant: tenant, Limit: 10})
		if err != nil {
			return nil, err
		}
		for _, item := range decodeItems(page) {
			if generated, ok := item["generated_at"].(float64); ok && int64(generated) >= since.Unix() {
				return item, nil
			}
		}
		time.Sleep(waitPollInterval)
	}
	return nil, fmt.Errorf("timed out waiting for bundle (category %s)", category)
}

func runReportGet(args []string) {
	fs := newFlagSet("report get")
	fs.ParseArgs(args)
	if fs.NArg() < 1 {
		fail("bundle id required")
	}
	client := newClient(*fs.api, *fs.key)
	bundle, err := client.GetReport(context.Background(), fs.Arg(0))
	check(err)
	printRaw(bundle)
}

func runReportExport(args []string) {
	fs := newFlagSet("report export")
	format := fs.String("format", "csv", "export format (json|csv|markdown)")
	out := fs.String("out", "", "write to file instead of stdout")
	fs.ParseArgs(args)
	if fs.NArg() < 1 {
		fail("bundle id required")
	}
	client := newClient(*fs.api, *fs.key)
	content, contentType, err := client.ExportReport(context.Background(), fs.Arg(0), *format)
	check(err)
	if *out != "" {
		check(os.WriteFile(*out, content, 0o644))
		fmt.Printf("wrote %d bytes (%s) to %s\n", len(content), contentType, *out)
		return
	}
	_, _ = os.Stdout.Write(content)
}

func runReportList(args []string) {
	fs := newFlagSet("report list")
	category := fs.String("category", "", "filter by category")
	tenant := fs.String("tenant", "", "tenant id")
	cursor := fs.String("cursor", "", "pagination cursor")
	limit := fs.Int("limit", 0, "page size")
	fs.ParseArgs(args)
	client := newClient(*fs.api, *fs.key)
	page, err := client.ListReports(context.Background(), *category, sdk.ListOptions{
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
		generated := field(item, "generated_at")
		if ts, ok := item["generated_at"].(float64); ok {
			generated = time.Unix(int64(ts), 0).UTC().Format(time.RFC3339)
		}
		fmt.Printf("%-36s  %-14s tenant=%-16s %s\n",
			field(item, "bundle_id"), field(item, "category"), field(item, "tenant"), generated)
	}
	printCursor(page.NextCursor)
}

func parseTimeFlag(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		fail(fmt.Sprintf("invalid time %q: use RFC3339", value))
	}
	return ts
}
