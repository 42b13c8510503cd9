package platform

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// CommandRunner executes argv[0] with argv[1:] and returns its captured
// stdout/stderr, either on the local host or (ssh.go) on a remote one. This
// is the seam that lets every batch-system Driver be written once and run
// locally or remotely without duplicating submit/poll/kill logic.
type CommandRunner interface {
	Run(ctx context.Context, host string, argv []string, stdin string) (stdout, stderr string, err error)
}

// LocalRunner executes commands with os/exec, used for the "background"
// batch system and for any platform whose declared host is localhost.
type LocalRunner struct{}

func (LocalRunner) Run(ctx context.Context, host string, argv []string, stdin string) (string, string, error) {
	if len(argv) == 0 {
		return "", "", fmt.Errorf("platform: empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if stdin != "" {
		cmd.Stdin = bytes.NewReader([]byte(stdin))
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}
