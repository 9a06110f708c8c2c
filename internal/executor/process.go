package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"
)

// ProcessExecutor runs a local program once per attempt.
//
// The program is invoked as `Path Args... <command>` with the Request
// encoded as JSON on stdin and MISZEN_COMMAND, MISZEN_CORRELATION_ID and
// MISZEN_ATTEMPT in its environment. Exit status 0 is success. Exit
// statuses listed in PermanentExitCodes are not retried.
type ProcessExecutor struct {
	Path               string
	Args               []string
	Dir                string
	Env                []string
	PermanentExitCodes []int

	// WaitDelay bounds how long a cancelled process may take to exit after
	// it is killed.
	WaitDelay time.Duration
}

// maxStderr caps the stderr tail kept for error messages.
const maxStderr = 4096

func (p *ProcessExecutor) Execute(ctx context.Context, req Request) error {
	if p.Path == "" {
		return Permanent(errors.New("process executor: no program configured"))
	}

	input, err := json.Marshal(req)
	if err != nil {
		return Permanent(fmt.Errorf("encode request: %w", err))
	}

	args := append(slices.Clone(p.Args), req.CommandID)
	cmd := exec.CommandContext(ctx, p.Path, args...)
	cmd.Dir = p.Dir
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.Env = append(cmd.Env,
		"MISZEN_COMMAND="+req.CommandID,
		"MISZEN_CORRELATION_ID="+req.CorrelationID,
		fmt.Sprintf("MISZEN_ATTEMPT=%d", req.Attempt),
	)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = p.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	err = cmd.Run()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("command %s: %w", req.CommandID, ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		runErr := fmt.Errorf("command %s exited with status %d: %s",
			req.CommandID, exitErr.ExitCode(), tail(stderr.String()))
		if slices.Contains(p.PermanentExitCodes, exitErr.ExitCode()) {
			return Permanent(runErr)
		}
		return runErr
	}
	// The program could not be started at all.
	return Permanent(fmt.Errorf("command %s: %w", req.CommandID, err))
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		s = "..." + s[len(s)-maxStderr:]
	}
	return s
}
