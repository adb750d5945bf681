package main

import (
	"context"
	"fmt"
	"os"
	"time"

	sdk "github.com/mycelia/mycelia/sdk/client"
)

func runPolicyCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "eval":
		runPolicyEval(args[1:])
	case "rules":
		runPolicyRules(args[1:])
	default:
		usage()
		os.Exit(1)
	}
}

func runPolicyEval(args []string) {
	fs := newFlagSet("policy eval")
	input := fs.String("input", "", "access input JSON (inline or path)")
	simulate := fs.Bool("simulate", false, "evaluate without audit side effects")
	fs.ParseArgs(args)
	if *input == "" {
		fail("policy input required (use --input)")
	}
	client := newClient(*fs.api, *fs.key)
	ctx := context.Background()
	raw := loadJSONArg(*input)
	var (
		decision map[string]any
		err      error
	)
	if *simulate {
		decision, err = client.SimulatePolicy(ctx, raw)
	} else {
		decision, err = client.EvaluatePolicy(ctx, raw)
	}
	check(err)
	printJSON(decision)
}

func runPolicyRules(args []string) {
	fs := newFlagSet("policy rules")
	fs.ParseArgs(args)
	client := newClient(*fs.api, *fs.key)
	rules, err := client.PolicyRules(context.Background())
	check(err)
	printJSON(rules)
}

func runSchemasCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "register":
		runSchemasRegister(args[1:])
	case "list":
		runSchemasList(args[1:])
	case "show":
		runSchemasShow(args[1:])
	case "delete":
		runSchemasDelete(args[1:])
	default:
		usage()
		os.Exit(1)
	}
}

func runSchemasRegister(args []string) {
	fs := newFlagSet("schemas register")
	file := fs.String("file", "", "schema JSON (inline or path)")
	fs.ParseArgs(args)
	if fs.NArg() < 1 {
		fail("schema id required")
	}
	if *file == "" {
		fail("schema json required (use --file)")
	}
	client := newClient(*fs.api, *fs.key)
	check(client.RegisterSchema(context.Background(), fs.Arg(0), loadJSONArg(*file)))
	fmt.Printf("registered %s\n", fs.Arg(0))
}

func runSchemasList(args []string) {
	fs := newFlagSet("schemas list")
	fs.ParseArgs(args)
	client := newClient(*fs.api, *fs.key)
	page, err := client.ListSchemas(context.Background())
	check(err)
	if *fs.jsonOut {
		printJSON(page)
		return
	}
	printRaw(page.Items)
}

func runSchemasShow(args []string) {
	fs := newFlagSet("schemas show")
	fs.ParseArgs(args)
	if fs.NArg() < 1 {
		fail("schema id required")
	}
	client := newClient(*fs.api, *fs.key)
	doc, err := client.GetSchema(context.Background(), fs.Arg(0))
	check(err)
	printRaw(doc)
}

func runSchemasDelete(args []string) {
	fs := newFlagSet("schemas delete")
	fs.ParseArgs(args)
	if fs.NArg() < 1 {
		fail("schema id required")
	}
	client := newClient(*fs.api, *fs.key)
	check(client.DeleteSchema(context.Background(), fs.Arg(0)))
	fmt.Printf("deleted %s\n", fs.Arg(0))
}

func runQuarantineCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "list":
		runQuarantineList(args[1:])
	case "retry":
		runQuarantineRetry(args[1:])
	case "rm":
		runQuarantineDelete(args[1:])
	default:
		usage()
		os.Exit(1)
	}
}

func runQuarantineList(args []string) {
	fs := newFlagSet("quarantine list")
	tenant := fs.String("tenant", "", "tenant id")
	cursor := fs.String("cursor", "", "pagination cursor")
	limit := fs.Int("limit", 0, "page size")
	fs.ParseArgs(args)
	client := newClient(*fs.api, *fs.key)
	page, err := client.ListQuarantine(context.Background(), sdk.ListOptions{
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
		fmt.Printf("%-36s  phase=%-3s %-24s tenant=%-16s %s\n",
			field(item, "envelope_id"), field(item, "phase"), field(item, "reason"),
			field(item, "tenant"), field(item, "created_at"))
	}
	printCursor(page.NextCursor)
}

func runQuarantineRetry(args []string) {
	fs := newFlagSet("quarantine retry")
	fs.ParseArgs(args)
	if fs.NArg() < 1 {
		fail("quarantine id required")
	}
	client := newClient(*fs.api, *fs.key)
	envelopeID, err := client.RetryQuarantine(context.Background(), fs.Arg(0))
	check(err)
	fmt.Printf("resubmitted envelope_id=%s\n", envelopeID)
}

func runQuarantineDelete(args []string) {
	fs := newFlagSet("quarantine rm")
	fs.ParseArgs(args)
	if fs.NArg() < 1 {
		fail("quarantine id required")
	}
	client := newClient(*fs.api, *fs.key)
	check(client.DeleteQuarantine(context.Background(), fs.Arg(0)))
	fmt.Printf("deleted %s\n", fs.Arg(0))
}

func runSchedulesCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "list":
		runSchedulesList(args[1:])
	case "add":
		runSchedulesAdd(args[1:])
	case "show":
		runSchedulesShow(args[1:])
	case "rm":
		runSchedulesDelete(args[1:])
	default:
		usage()
		os.Exit(1)
	}
}

func runSchedulesList(args []string) {
	fs := newFlagSet("schedules list")
	tenant := fs.String("tenant", "", "tenant id")
	cursor := fs.String("cursor", "", "pagination cursor")
	limit := fs.Int("limit", 0, "page size")
	fs.ParseArgs(args)
	client := newClient(*fs.api, *fs.key)
	page, err := client.ListSchedules(context.Background(), sdk.ListOptions{
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
		scope, _ := item["scope"].(map[string]any)
		every := field(item, "every")
		if ns, ok := item["every"].(float64); ok {
			every = time.Duration(ns).String()
		}
		fmt.Printf("%-28s  %-14s every=%-8s preset=%-10s tenant=%s\n",
			field(item, "id"), field(item, "category"), every,
			field(item, "preset"), field(scope, "tenant"))
	}
	printCursor(page.NextCursor)
}

func runSchedulesAdd(args []string) {
	fs := newFlagSet("schedules add")
	file := fs.String("file", "", "schedule JSON (inline or path)")
	fs.ParseArgs(args)
	if *file == "" {
		fail("schedule json required (use --file)")
	}
	client := newClient(*fs.api, *fs.key)
	out, err := client.UpsertSchedule(context.Background(), loadJSONArg(*file))
	check(err)
	printRaw(out)
}

func runSchedulesShow(args []string) {
	fs := newFlagSet("schedules show")
	fs.ParseArgs(args)
	if fs.NArg() < 1 {
		fail("schedule id required")
	}
	client := newClient(*fs.api, *fs.key)
	out, err := client.GetSchedule(context.Background(), fs.Arg(0))
	check(err)
	printRaw(out)
}

func runSchedulesDelete(args []string) {
	fs := newFlagSet("schedules rm")
	fs.ParseArgs(args)
	if fs.NArg() < 1 {
		fail("schedule id required")
	}
	client := newClient(*fs.api, *fs.key)
	check(client.DeleteSchedule(context.Background(), fs.Arg(0)))
	fmt.Printf("deleted %s\n", fs.Arg(0))
}

func runSettingsCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "effective":
		runSettingsEffective(args[1:])
	case "set":
		runSettingsSet(args[1:])
	default:
		usage()
		os.Exit(1)
	}
}

func runSettingsEffective(args []string) {
	fs := newFlagSet("settings effective")
	tenant := fs.String("tenant", "", "tenant id")
	facility := fs.String("facility", "", "facility id")
	fs.ParseArgs(args)
	client := newClient(*fs.api, *fs.key)
	snap, err := client.EffectiveSettings(context.Background(), *tenant, *facility)
	check(err)
	printJSON(snap)
}

func runSettingsSet(args []string) {
	fs := newFlagSet("settings set")
	file := fs.String("file", "", "settings document JSON (inline or path)")
	fs.ParseArgs(args)
	if *file == "" {
		fail("settings document required (use --file)")
	}
	client := newClient(*fs.api, *fs.key)
	out, err := client.SetSettings(context.Background(), loadJSONArg(*file))
	check(err)
	printRaw(out)
}
