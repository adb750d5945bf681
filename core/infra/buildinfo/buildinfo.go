// Package buildinfo exposes the version stamp the release pipeline injects
// with -ldflags. Unstamped binaries report the dev defaults.
package buildinfo

import (
	"fmt"
	"log"
)

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info renders the stamp as one line for status payloads and CLI output.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// Log prints the stamp prefixed with the service name at process start.
func Log(service string) {
	log.Printf("%s %s", service, Info())
}
