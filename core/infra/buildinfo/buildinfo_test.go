package buildinfo

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func stamp(t *testing.T, version, commit, date string) {
	t.Helper()
	origVersion, origCommit, origDate := Version, Commit, Date
	t.Cleanup(func() {
		Version, Commit, Date = origVersion, origCommit, origDate
	})
	Version, Commit, Date = version, commit, date
}

func TestInfoRendersStamp(t *testing.T) {
	stamp(t, "0.4.0", "f00dcafe", "2026-03-01")
	if got := Info(); got != "version=0.4.0 commit=f00dcafe date=2026-03-01" {
		t.Fatalf("unexpected info line: %s", got)
	}
}

func TestLogPrefixesServiceName(t *testing.T) {
	stamp(t, "0.4.0", "f00dcafe", "2026-03-01")

	var buf bytes.Buffer
	origOutput, origFlags := log.Writer(), log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(origOutput)
		log.SetFlags(origFlags)
	})

	Log("mycelia-api-gateway")
	got := strings.TrimSpace(buf.String())
	if !strings.HasPrefix(got, "mycelia-api-gateway ") || !strings.Contains(got, Info()) {
		t.Fatalf("unexpected log line: %s", got)
	}
}
