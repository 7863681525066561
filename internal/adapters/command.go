package adapters

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Command is an external tool invocation.
type Command struct {
	Name string
	Args []string
	// Env is appended to the current process environment.
	Env []string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// CommandRunner runs a command, streaming its standard output to stdout.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command, stdout io.Writer) error
}

// ExecRunner runs commands as local subprocesses.
type ExecRunner struct{}

const stderrTail = 4096

func (ExecRunner) Run(ctx context.Context, cmd Command, stdout io.Writer) error {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Env = append(os.Environ(), cmd.Env...)
	c.Stdout = stdout
	var stderr bytes.Buffer
	c.Stderr = &stderr
	if err := c.Run(); err != nil {
		msg := stderr.String()
		if len(msg) > stderrTail {
			msg = msg[len(msg)-stderrTail:]
		}
		return fmt.Errorf("%s: %w: %s", cmd.Name, err, strings.TrimSpace(msg))
	}
	return nil
}
