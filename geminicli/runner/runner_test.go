package runner

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/cassmtnr/gemini-bridge/geminicli/errs"
)

// TestMain intercepts invocations of the test binary itself acting as
// a fake subprocess, the same technique used by the Go standard
// library's os/exec tests: GO_WANT_HELPER_PROCESS=1 routes execution
// into helperProcess instead of the normal test suite, so Run can
// be exercised against a real, controllable child process without
// depending on any binary installed on the host.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		helperProcess()
		return
	}
	os.Exit(m.Run())
}

func helperProcess() {
	defer os.Exit(0)
	// os.Args[0] is the re-executed test binary itself; everything
	// after it is the scenario name and its extra args.
	args := os.Args[1:]
	if len(args) == 0 {
		return
	}

	switch args[0] {
	case "exit0":
		fmt.Println("stdout from exit0")
	case "exit2":
		fmt.Fprintln(os.Stderr, "oops")
		os.Exit(2)
	case "sleep":
		time.Sleep(5 * time.Second)
	case "echoargs":
		for _, a := range args[1:] {
			fmt.Println(a)
		}
	}
}

func helperArgs(scenario string, extra ...string) []string {
	return append([]string{scenario}, extra...)
}

func TestRunSuccessCapturesStdout(t *testing.T) {
	res, err := Run(context.Background(), os.Args[0], helperArgs("exit0"), Options{
		Env: append(os.Environ(), "GO_WANT_HELPER_PROCESS=1"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", res.ExitCode)
	}
	if string(res.Stdout) == "" {
		t.Fatalf("expected non-empty stdout")
	}
}

// S5 – Subprocess non-zero exit.
func TestRunNonZeroExitSurfacesExecutionError(t *testing.T) {
	_, err := Run(context.Background(), os.Args[0], helperArgs("exit2"), Options{
		Env: append(os.Environ(), "GO_WANT_HELPER_PROCESS=1"),
	})
	if err == nil {
		t.Fatalf("expected an error for a non-zero exit")
	}
	ee, ok := errs.AsExecutionError(err)
	if !ok {
		t.Fatalf("expected an *errs.ExecutionError, got %T", err)
	}
	if ee.ExitCode != 2 {
		t.Fatalf("expected exit code 2, got %d", ee.ExitCode)
	}
	if ee.Stderr == "" {
		t.Fatalf("expected stderr to be captured")
	}
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	_, err := Run(context.Background(), os.Args[0], helperArgs("sleep"), Options{
		Env:     append(os.Environ(), "GO_WANT_HELPER_PROCESS=1"),
		Timeout: 100 * time.Millisecond,
	})
	if err == nil {
		t.Fatalf("expected a timeout error")
	}
	ee, ok := errs.AsExecutionError(err)
	if !ok {
		t.Fatalf("expected an *errs.ExecutionError, got %T", err)
	}
	if ee.HasExit {
		t.Fatalf("expected HasExit=false for a timeout, got exit code %d", ee.ExitCode)
	}
}

func TestRunSpawnFailureSurfacesAsExecutionError(t *testing.T) {
	_, err := Run(context.Background(), "/no/such/binary-really", nil, Options{})
	if err == nil {
		t.Fatalf("expected a spawn failure error")
	}
	if _, ok := errs.AsExecutionError(err); !ok {
		t.Fatalf("expected an *errs.ExecutionError, got %T", err)
	}
}

func TestRunStreamsChunksViaOnChunk(t *testing.T) {
	var chunks []Chunk
	_, err := Run(context.Background(), os.Args[0], helperArgs("exit0"), Options{
		Env:     append(os.Environ(), "GO_WANT_HELPER_PROCESS=1"),
		OnChunk: func(c Chunk) { chunks = append(chunks, c) },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatalf("expected at least one streamed chunk")
	}
}
