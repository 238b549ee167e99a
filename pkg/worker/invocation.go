package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
)

// maxBufferedLines bounds how many raw stdout lines are retained for
// the terminal completion scan.
const maxBufferedLines = 256

// scanBufferSize is the maximum accepted stdout line length.
const scanBufferSize = 1 << 20

// Invocation runs one worker process for a single request. The zero
// value is not usable; fill Command and Request at minimum.
type Invocation struct {
	Command      string
	Args         []string
	Dir          string
	Request      Request
	StopGrace    time.Duration
	StderrTailKB int

	// OnLine receives classified progress and status lines as they
	// arrive, on the Run goroutine. Completion lines are not streamed;
	// they are resolved from the buffered tail after exit.
	OnLine func(Line)

	Logger hclog.Logger
}

// InvocationResult describes how a worker process ended.
type InvocationResult struct {
	ExitCode       int
	Completion     *CompletionLine
	StderrTail     string
	MalformedLines int
	TimedOut       bool
}

// Run spawns the worker, writes the request to stdin, streams stdout
// lines until the process exits, and returns the terminal state. The
// process is sent SIGTERM when ctx ends and SIGKILL after StopGrace.
// A non-zero exit is reported in the result, not as an error; the
// returned error covers spawn and I/O failures only.
func (inv *Invocation) Run(ctx context.Context) (*InvocationResult, error) {
	logger := inv.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	payload, err := json.Marshal(inv.Request)
	if err != nil {
		return nil, fmt.Errorf("encoding worker request: %w", err)
	}

	cmd := exec.CommandContext(ctx, inv.Command, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Stdin = bytes.NewReader(append(payload, '\n'))
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = inv.StopGrace
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	tail := NewTailBuffer(inv.StderrTailKB * 1024)
	cmd.Stderr = tail

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening worker stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker process: %w", err)
	}

	result := &InvocationResult{}
	var buffered [][]byte

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)
	for scanner.Scan() {
		raw := append([]byte(nil), scanner.Bytes()...)
		if len(buffered) == maxBufferedLines {
			buffered = append(buffered[1:], raw)
		} else {
			buffered = append(buffered, raw)
		}

		parsed, err := ParseLine(raw)
		if err != nil {
			result.MalformedLines++
			logger.Debug("skipping malformed worker line", "job_id", inv.Request.JobID, "error", err, "line", truncate(raw, 200))
			continue
		}
		if parsed.Kind() != KindCompletion && inv.OnLine != nil {
			inv.OnLine(parsed)
		}
	}
	if err := scanner.Err(); err != nil {
		// Reads fail once the process is killed; the exit state below
		// carries the real outcome.
		logger.Debug("worker stdout read ended", "job_id", inv.Request.JobID, "error", err)
	}

	waitErr := cmd.Wait()
	result.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	result.StderrTail = tail.String()
	if completion, ok := ScanCompletion(buffered); ok {
		result.Completion = completion
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return result, fmt.Errorf("waiting for worker process: %w", waitErr)
	}
	return result, nil
}

func truncate(raw []byte, max int) string {
	if len(raw) <= max {
		return string(raw)
	}
	return string(raw[:max]) + "..."
}

// TailBuffer is an io.Writer keeping the most recent max bytes written
// to it, used to capture bounded stderr tails. exec.Cmd writes from a
// single copier goroutine and finishes before Wait returns, so reads
// after Wait need no locking.
type TailBuffer struct {
	max int
	buf []byte
}

// NewTailBuffer creates a tail buffer holding at most max bytes.
func NewTailBuffer(max int) *TailBuffer {
	return &TailBuffer{max: max}
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	if t.max <= 0 {
		return len(p), nil
	}
	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return len(p), nil
	}
	if overflow := len(t.buf) + len(p) - t.max; overflow > 0 {
		t.buf = append(t.buf[:0], t.buf[overflow:]...)
	}
	t.buf = append(t.buf, p...)
	return len(p), nil
}

func (t *TailBuffer) String() string {
	return string(t.buf)
}
