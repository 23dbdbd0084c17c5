package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// LineSink receives process output one line at a time, as it is produced.
type LineSink func(line string)

// CommandRunner runs an external command and reports its exit code. The core
// never interprets tool-specific output; the exit code is the sole success
// signal. Injecting a fake runner keeps the orchestration testable without
// invoking real tools.
type CommandRunner interface {
	Run(ctx context.Context, argv []string, sink LineSink) (int, error)
}

// ExecRunner runs commands as local subprocesses, streaming combined
// stdout/stderr line-by-line into the sink.
type ExecRunner struct {
	// ExtraEnv entries are appended to the inherited environment.
	ExtraEnv []string
}

func (r *ExecRunner) Run(ctx context.Context, argv []string, sink LineSink) (int, error) {
	if len(argv) == 0 {
		return 0, fmt.Errorf("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), r.ExtraEnv...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("command %q start failed: %w", argv[0], err)
	}

	done := make(chan struct{})
	go streamPipe(stdout, sink, done)
	go streamPipe(stderr, sink, done)
	<-done
	<-done

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 0, fmt.Errorf("command %q failed: %w", argv[0], err)
	}
	return 0, nil
}

func streamPipe(pipe io.Reader, sink LineSink, done chan<- struct{}) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if sink != nil {
			sink(scanner.Text())
		}
	}
	done <- struct{}{}
}

var _ CommandRunner = (*ExecRunner)(nil)
