package remote

import (
	"context"

	"github.com/absconda/absconda/pkg/config"
	"github.com/absconda/absconda/pkg/runner"
)

// ProbeResult reports whether a builder host answers at all, independently of
// what the lease store believes about it.
type ProbeResult struct {
	Reachable bool
	Err       error
	// StatusOK is set when the definition has a status command: true when it
	// exited zero.
	StatusOK *bool
}

// Probe opens a transport and runs a no-op shell command to test
// reachability, then the configured status command if any. It never mutates
// builder state.
func Probe(ctx context.Context, def config.BuilderDefinition, run runner.CommandRunner, log Logger) ProbeResult {
	transport, err := DialTransport(def, run, log)
	if err != nil {
		return ProbeResult{Err: err}
	}
	defer transport.Close()

	var res ProbeResult
	code, err := transport.Exec(ctx, ":", nil)
	switch {
	case err != nil:
		res.Err = err
	case code != 0:
		res.Err = &ExecError{Command: ":", ExitCode: code}
	default:
		res.Reachable = true
	}

	if len(def.StatusCommand) > 0 {
		code, err := run.Run(ctx, def.StatusCommand, nil)
		ok := err == nil && code == 0
		res.StatusOK = &ok
	}
	return res
}
