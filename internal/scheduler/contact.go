package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
)

// ContactInfo is the set of fields a running workflow publishes to its
// contact file so the CLI and control clients can find it without asking a
// central registry, per the external-interfaces run-directory contract.
type ContactInfo struct {
	Host    string
	PID     int
	Port    int
	API     string
	Version string
}

const contactFileName = "contact"

func contactFilePath(runDir string) string {
	return filepath.Join(runDir, ".service", contactFileName)
}

// WriteContactFile renders info as CYLC_*-prefixed key=value lines
// and writes it atomically (write to a temp file, then rename) so a reader
// never observes a partially-written file.
func WriteContactFile(runDir string, info ContactInfo) error {
	dir := filepath.Join(runDir, ".service")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("scheduler: create service dir: %w", err)
	}
	version := info.Version
	if version == "" {
		version = "8.0.0-go"
	}
	body := fmt.Sprintf(
		"CYLC_WORKFLOW_HOST=%s\nCYLC_WORKFLOW_PID=%d\nCYLC_WORKFLOW_PORT=%d\nCYLC_API=%s\nCYLC_VERSION=%s\n",
		info.Host, info.PID, info.Port, info.API, version,
	)
	tmp := contactFilePath(runDir) + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0o644); err != nil {
		return fmt.Errorf("scheduler: write contact file: %w", err)
	}
	return os.Rename(tmp, contactFilePath(runDir))
}

// RemoveContactFile deletes the contact file at shutdown; a missing file is
// not an error since a crash before WriteContactFile leaves none to remove.
func RemoveContactFile(runDir string) error {
	err := os.Remove(contactFilePath(runDir))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("scheduler: remove contact file: %w", err)
	}
	return nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}

func currentPID() int {
	return os.Getpid()
}
