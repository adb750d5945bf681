package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	sdk "github.com/mycelia/mycelia/sdk/client"
)

const defaultGateway = "http://localhost:8081"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "status":
		runStatusCmd(args)
	case "phases":
		runPhasesCmd(args)
	case "records":
		runRecordsCmd(args)
	case "report":
		runReportCmd(args)
	case "tasks":
		runTasksCmd(args)
	case "audit":
		runAuditCmd(args)
	case "policy":
		runPolicyCmd(args)
	case "schemas":
		runSchemasCmd(args)
	case "quarantine":
		runQuarantineCmd(args)
	case "schedules":
		runSchedulesCmd(args)
	case "settings":
		runSettingsCmd(args)
	case "version":
		runVersionCmd(args)
	default:
		usage()
		os.Exit(1)
	}
}

type flagSet struct {
	*flag.FlagSet
	api     *string
	key     *string
	jsonOut *bool
}

func newFlagSet(name string) *flagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	api := fs.String("api", envOr("MYCELIA_API", defaultGateway), "gateway base url")
	key := fs.String("key", envOr("MYCELIA_API_KEY", ""), "api key")
	jsonOut := fs.Bool("json", false, "output raw JSON")
	return &flagSet{FlagSet: fs, api: api, key: key, jsonOut: jsonOut}
}

func (fs *flagSet) ParseArgs(args []string) {
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
	}
}

func newClient(api, key string) *sdk.Client {
	return sdk.New(strings.TrimRight(api, "/"), key)
}

// loadJSONArg reads inline JSON or, when the argument names a readable file,
// the file contents.
func loadJSONArg(arg string) json.RawMessage {
	trimmed := strings.TrimSpace(arg)
	if trimmed == "" {
		fail("json input required")
	}
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return json.RawMessage(trimmed)
	}
	// #nosec G304 -- CLI explicitly reads local files provided by the operator.
	data, err := os.ReadFile(trimmed)
	check(err)
	if !json.Valid(data) {
		fail(fmt.Sprintf("invalid json in %s", trimmed))
	}
	return data
}

func printJSON(value any) {
	data, err := json.MarshalIndent(value, "", "  ")
	check(err)
	fmt.Println(string(data))
}

func printRaw(raw json.RawMessage) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		fmt.Println(string(raw))
		return
	}
	printJSON(value)
}

// decodeItems pulls a page's items into generic maps for table output.
func decodeItems(page *sdk.Page) []map[string]any {
	if page == nil || len(page.Items) == 0 {
		return nil
	}
	var items []map[string]any
	if err := json.Unmarshal(page.Items, &items); err != nil {
		fail(fmt.Sprintf("decode items: %v", err))
	}
	return items
}

func field(item map[string]any, key string) string {
	val, ok := item[key]
	if !ok || val == nil {
		return "-"
	}
	switch v := val.(type) {
	case string:
		if v == "" {
			return "-"
		}
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case bool:
		return fmt.Sprintf("%t", v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "-"
		}
		return string(data)
	}
}

func printCursor(cursor string) {
	if cursor != "" {
		fmt.Printf("next: --cursor %s\n", cursor)
	}
}

func usage() {
	fmt.Print(`myceliactl - Mycelia platform CLI

Usage:
  myceliactl status
  myceliactl phases
  myceliactl records [--phase slug|number] [--tenant id] [--raw] [record_id]
  myceliactl report submit --category cat [--preset last_7d] [--from t --to t] [--format json|csv|markdown] [--facility id] [--wait]
  myceliactl report get <bundle_id>
  myceliactl report export <bundle_id> [--format csv] [--out file]
  myceliactl report list [--category cat]
  myceliactl tasks list [--state NEW] | show <task_id> | ack|start <task_id> | assign <task_id> --to who | resolve <task_id> [--note text] | dismiss <task_id> --reason text
  myceliactl audit tail [--category cat] [--outcome ok|denied|failed] | stats [--window 24h]
  myceliactl policy eval --input policy.json [--simulate] | rules
  myceliactl schemas register <id> --file schema.json | list | show <id> | delete <id>
  myceliactl quarantine list | retry <id> | rm <id>
  myceliactl schedules list | add --file schedule.json | show <id> | rm <id>
  myceliactl settings effective [--tenant id] [--facility id] | set --file doc.json
  myceliactl version

Global flags:
  --api    Gateway base URL (default from MYCELIA_API)
  --key    API key (default from MYCELIA_API_KEY)
  --json   Print raw JSON instead of tables
`)
}

func envOr(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func check(err error) {
	if err != nil {
		fail(err.Error())
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
