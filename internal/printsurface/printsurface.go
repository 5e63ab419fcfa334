// Package printsurface sends an HTML document to the operating system's
// print pipeline by running a configured command on a temporary file.
package printsurface

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

var (
	// ErrTimeout is returned when the print command outlives its context.
	ErrTimeout = errors.New("print dialog timed out")
	// ErrCancelled is returned when the user dismissed the print dialog.
	ErrCancelled = errors.New("print dialog cancelled")
)

// waitDelay bounds how long a killed command may keep its output pipes open.
const waitDelay = 500 * time.Millisecond

// Surface opens a document for printing and waits until it is handed off.
// A user dismissing the dialog is reported as ErrCancelled.
type Surface interface {
	Print(ctx context.Context, name string, html []byte) error
}

// Command runs Args with the document path appended, e.g. ["lp", "-d", "receipt"].
type Command struct {
	Args []string
	// Dir holds the temporary documents; empty uses the system default.
	Dir string
	// CancelExitCode is the exit status the command uses when the user
	// dismisses the dialog. Zero disables the mapping.
	CancelExitCode int
}

func (c *Command) Print(ctx context.Context, name string, html []byte) error {
	if len(c.Args) == 0 {
		return errors.New("print command not configured")
	}
	f, err := os.CreateTemp(c.Dir, "ticket-*-"+strings.ReplaceAll(name, string(os.PathSeparator), "_")+".html")
	if err != nil {
		return fmt.Errorf("create print document: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.Write(html); err != nil {
		f.Close()
		return fmt.Errorf("write print document: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close print document: %w", err)
	}

	args := append(append([]string(nil), c.Args[1:]...), path)
	cmd := exec.CommandContext(ctx, c.Args[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exit *exec.ExitError
		if c.CancelExitCode != 0 && errors.As(err, &exit) && exit.ExitCode() == c.CancelExitCode {
			return ErrCancelled
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("run %s: %w: %s", c.Args[0], err, msg)
		}
		return fmt.Errorf("run %s: %w", c.Args[0], err)
	}
	return nil
}
