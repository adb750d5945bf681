package main

import (
	"context"
	"fmt"
	"os"
	"time"

	sdk "github.com/mycelia/mycelia/sdk/client"
)

func runTasksCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "list":
		runTasksList(args[1:])
	case "show":
		runTasksShow(args[1:], false)
	case "events":
		runTasksShow(args[1:], true)
	case "ack":
		runTaskOp("acknowledge", args[1:])
	case "assign":
		runTaskOp("assign", args[1:])
	case "start":
		runTaskOp("start", args[1:])
	case "resolve":
		runTaskOp("resolve", args[1:])
	case "dismiss":
		runTaskOp("dismiss", args[1:])
	default:
		usage()
		os.Exit(1)
	}
}

func runTasksList(args []string) {
	fs := newFlagSet("tasks list")
	state := fs.String("state", "", "filter by state")
	tenant := fs.String("tenant", "", "tenant id")
	cursor := fs.String("cursor", "", "pagination cursor")
	limit := fs.Int("limit", 0, "page size")
	fs.ParseArgs(args)
	client := newClient(*fs.api, *fs.key)
	page, err := client.ListTasks(context.Background(), *state, sdk.ListOptions{
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
		updated := field(item, "updated_at")
		if ts, ok := item["updated_at"].(float64); ok {
			updated = time.Unix(int64(ts), 0).UTC().Format(time.RFC3339)
		}
		fmt.Printf("%-36s  %-12s sev=%-8s phase=%-15s assignee=%-12s %s\n",
			field(item, "id"), field(item, "state"), field(item, "severity"),
			field(item, "phase_slug"), field(item, "assignee"), updated)
	}
	printCursor(page.NextCursor)
}

func runTasksShow(args []string, events bool) {
	fs := newFlagSet("tasks show")
	fs.ParseArgs(args)
	if fs.NArg() < 1 {
		fail("task id required")
	}
	client := newClient(*fs.api, *fs.key)
	ctx := context.Background()
	if events {
		out, err := client.TaskEvents(ctx, fs.Arg(0))
		check(err)
		printRaw(out)
		return
	}
	out, err := client.GetTask(ctx, fs.Arg(0))
	check(err)
	printRaw(out)
}

func runTaskOp(op string, args []string) {
	fs := newFlagSet("tasks " + op)
	assignee := fs.String("to", "", "assignee (assign)")
	note := fs.String("note", "", "note (resolve)")
	reason := fs.String("reason", "", "reason (dismiss)")
	fs.ParseArgs(args)
	if fs.NArg() < 1 {
		fail("task id required")
	}
	client := newClient(*fs.api, *fs.key)
	err := client.TaskOp(context.Background(), fs.Arg(0), op, &sdk.TaskOpRequest{
		Assignee: *assignee,
		Note:     *note,
		Reason:   *reason,
	})
	check(err)
	fmt.Printf("accepted %s %s\n", op, fs.Arg(0))
}
