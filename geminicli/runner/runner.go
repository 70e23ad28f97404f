// Package runner implements C6: launching the upstream CLI as a
// one-shot subprocess, enforcing a timeout, and collecting its output.
// Grounded on the teacher's internal/ai/opencode/sidecar.go Start/Stop
// pair — exec.CommandContext, a cancel func armed on a timer, a
// grace-period Wait-then-Kill race — generalized from "supervise a
// long-lived server" to "run one command to completion or kill it".
package runner

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cassmtnr/gemini-bridge/geminicli/errs"
)

// maxOutputBytes bounds each of stdout/stderr so a runaway process
// can't exhaust memory; spec.md §4.6 asks for "large" (>=50MiB), not
// unbounded.
const maxOutputBytes = 50 * 1024 * 1024

// gracePeriod is how long a terminated process gets to exit on its own
// before being force-killed.
const gracePeriod = 5 * time.Second

// Chunk is an incremental stdout/stderr slice, emitted for host logging
// only — final parsing always operates on the aggregated buffer.
type Chunk struct {
	Stream string // "stdout" or "stderr"
	Data   []byte
}

// ChunkHook receives Chunks as they arrive. A nil hook disables
// streaming entirely (no extra allocation).
type ChunkHook func(Chunk)

// Options configures one Run call.
type Options struct {
	Dir     string // working directory; empty means inherit the host's cwd
	Env     []string
	Timeout time.Duration
	OnChunk ChunkHook
}

// Result carries a completed subprocess's outcome.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Run spawns binaryPath with args and waits for it to exit, enforcing
// opts.Timeout. No shell interpretation is performed — args are passed
// as a literal argv, never interpolated into a shell string.
func Run(ctx context.Context, binaryPath string, args []string, opts Options) (Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, binaryPath, args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if opts.Env != nil {
		cmd.Env = opts.Env
	}

	// On context expiry send SIGTERM first and give the process
	// gracePeriod to exit before Go's exec package escalates to
	// SIGKILL (cmd.WaitDelay), matching spec.md §4.6's
	// terminate-then-force-kill sequence.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = gracePeriod

	var stdoutBuf, stderrBuf boundedBuffer
	stdoutBuf.limit = maxOutputBytes
	stderrBuf.limit = maxOutputBytes

	if opts.OnChunk != nil {
		cmd.Stdout = io.MultiWriter(&stdoutBuf, chunkWriter{stream: "stdout", hook: opts.OnChunk})
		cmd.Stderr = io.MultiWriter(&stderrBuf, chunkWriter{stream: "stderr", hook: opts.OnChunk})
	} else {
		cmd.Stdout = &stdoutBuf
		cmd.Stderr = &stderrBuf
	}

	err := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return Result{}, &errs.ExecutionError{
			Command: binaryPath,
			Message: "command timed out after " + timeout.String(),
			Stderr:  stderrBuf.String(),
		}
	}

	if err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			return Result{
				ExitCode: exitErr.ExitCode(),
				Stdout:   stdoutBuf.Bytes(),
				Stderr:   stderrBuf.Bytes(),
			}, &errs.ExecutionError{
				Command:  binaryPath,
				ExitCode: exitErr.ExitCode(),
				HasExit:  true,
				Stderr:   stderrBuf.String(),
			}
		}

		log.Debug().Err(err).Str("binary", binaryPath).Msg("gemini runner: spawn failed")
		return Result{}, &errs.ExecutionError{
			Command: binaryPath,
			Message: "spawn failed: " + err.Error(),
			Stderr:  stderrBuf.String(),
		}
	}

	return Result{
		ExitCode: 0,
		Stdout:   stdoutBuf.Bytes(),
		Stderr:   stderrBuf.Bytes(),
	}, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

// boundedBuffer is a bytes.Buffer that silently stops accepting writes
// past limit instead of growing without bound, so a verbose or runaway
// subprocess cannot exhaust memory.
type boundedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) Bytes() []byte  { return b.buf.Bytes() }
func (b *boundedBuffer) String() string { return b.buf.String() }

// chunkWriter fans writes out to a ChunkHook without buffering.
type chunkWriter struct {
	stream string
	hook   ChunkHook
}

func (w chunkWriter) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	w.hook(Chunk{Stream: w.stream, Data: cp})
	return len(p), nil
}
