package forward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Commander runs external programs.
type Commander interface {
	// Run executes name with args and returns its combined output.  A
	// program that ran but exited non-zero is reported as *ExitError.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExitError is a command that ran to completion and failed.
type ExitError struct {
	Command string
	Code    int
	Output  []byte
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", e.Command, e.Code)
	if out := strings.TrimSpace(string(e.Output)); out != "" {
		msg += ": " + out
	}
	return msg
}

type execCommander struct{}

// NewExecCommander returns a Commander backed by os/exec.
func NewExecCommander() Commander {
	return execCommander{}
}

func (execCommander) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err == nil {
		return out.Bytes(), nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return out.Bytes(), &ExitError{
			Command: strings.Join(append([]string{name}, args...), " "),
			Code:    exitErr.ExitCode(),
			Output:  out.Bytes(),
		}
	}
	if ctx.Err() != nil {
		return out.Bytes(), fmt.Errorf("%s: %w", name, ctx.Err())
	}
	return out.Bytes(), fmt.Errorf("%s: %w", name, err)
}
