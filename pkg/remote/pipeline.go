package remote

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/absconda/absconda/pkg/config"
	"github.com/absconda/absconda/pkg/lease"
	"github.com/absconda/absconda/pkg/lifecycle"
	"github.com/absconda/absconda/pkg/registry"
	"github.com/absconda/absconda/pkg/runner"
)

// BuildRequest describes one remote build attempt. The build file and
// manifest come rendered from the template engine; the pipeline never
// interprets their contents.
type BuildRequest struct {
	Builder       string
	BuildFilePath string
	ContextDir    string
	Tags          []string
	Push          bool
	Excludes      []string
	Checksum      bool
	Manifest      map[string]any
	MaxWait       time.Duration
	AutoStop      bool
}

// Orchestrator runs the full remote build pipeline: ensure the builder is
// running, take the lease, sync the context, run the build, and release the
// lease no matter what happened in between.
type Orchestrator struct {
	reg       *registry.Registry
	leases    *lease.Manager
	waiter    *lease.Waiter
	lifecycle *lifecycle.Controller
	dial      func(def config.BuilderDefinition) (Transport, error)
	log       Logger
}

func NewOrchestrator(reg *registry.Registry, leases *lease.Manager, waiter *lease.Waiter, ctrl *lifecycle.Controller, run runner.CommandRunner, log Logger) *Orchestrator {
	return &Orchestrator{
		reg:       reg,
		leases:    leases,
		waiter:    waiter,
		lifecycle: ctrl,
		dial: func(def config.BuilderDefinition) (Transport, error) {
			return DialTransport(def, run, log)
		},
		log: log,
	}
}

func (o *Orchestrator) tracer() trace.Tracer {
	return otel.Tracer("absconda/remote")
}

// Build executes the pipeline and returns the job record alongside any error.
// The lease is released before returning regardless of the outcome, and the
// TTL is renewed while the build makes progress.
func (o *Orchestrator) Build(ctx context.Context, req BuildRequest) (*BuildJob, error) {
	ctx, span := o.tracer().Start(ctx, "remote.build")
	defer span.End()

	def, ok := o.reg.Get(req.Builder)
	if !ok {
		return nil, &config.Error{Message: fmt.Sprintf("builder %q is not configured", req.Builder)}
	}
	if len(req.Tags) == 0 {
		return nil, &config.Error{Message: "at least one image tag is required"}
	}

	job := newBuildJob(def.Name, req.ContextDir, req.Manifest)
	defer job.Logs.Close()

	ttl := def.LeaseTTL
	if ttl <= 0 {
		ttl = lease.DefaultTTL
	}
	maxWait := req.MaxWait
	if maxWait <= 0 {
		maxWait = lease.DefaultMaxWait
	}

	holder := lease.NewHolderID()
	o.log.Info("using remote builder", "builder", def.Name, "target", def.SSHTarget(), "job", job.ID)

	if _, err := o.waiter.AcquireWithWait(ctx, def.Name, holder, ttl, maxWait, o.lifecycle.EnsureRunning); err != nil {
		job.Status = StatusFailed
		return job, err
	}

	renewDone := make(chan struct{})
	go o.renewLoop(def.Name, holder, ttl, renewDone)

	err := o.execute(ctx, def, job, req)

	close(renewDone)
	// Release with a fresh context so an interrupted caller still gives the
	// lease back instead of leaving it to expire.
	releaseCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if releaseErr := o.leases.Release(releaseCtx, def.Name, holder); releaseErr != nil {
		o.log.Error("failed to release lease", "builder", def.Name, "error", releaseErr)
	}
	cancel()

	if err != nil {
		job.Status = StatusFailed
		return job, err
	}
	job.Status = StatusSucceeded
	if recordErr := o.leases.RecordBuild(ctx, def.Name); recordErr != nil {
		o.log.Warn("failed to record build counters", "builder", def.Name, "error", recordErr)
	}

	if req.AutoStop {
		o.autoStop(ctx, def)
	}
	return job, nil
}

func (o *Orchestrator) renewLoop(name, holder string, ttl time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_, err := o.leases.Renew(ctx, name, holder, ttl)
			cancel()
			if err != nil {
				o.log.Warn("lease renewal failed", "builder", name, "error", err)
			}
		}
	}
}

func (o *Orchestrator) execute(ctx context.Context, def config.BuilderDefinition, job *BuildJob, req BuildRequest) (err error) {
	ctx, span := o.tracer().Start(ctx, "remote.pipeline")
	defer span.End()

	bc, err := ScanContext(req.ContextDir, req.BuildFilePath, req.Manifest, req.Excludes, o.log)
	if err != nil {
		return &StageError{Stage: "package", Err: err}
	}
	o.log.Info("packaged build context", "builder", def.Name, "files", len(bc.Entries))

	transport, err := o.dial(def)
	if err != nil {
		return &StageError{Stage: "connect", Err: err}
	}
	defer transport.Close()

	remoteDir := path.Join(def.Workspace, "contexts", def.Name)
	job.RemotePath = remoteDir

	defer func() {
		var execErr *ExecError
		if err != nil && errors.As(err, &execErr) {
			// Keep the partial context around so the failure can be
			// inspected on the host.
			o.log.Warn("remote build failed, keeping remote context for debugging",
				"builder", def.Name, "path", remoteDir)
			return
		}
		o.cleanupRemote(transport, remoteDir)
	}()

	job.Status = StatusUploading
	stats, err := transport.Push(ctx, bc, remoteDir, req.Checksum)
	if err != nil {
		return &StageError{Stage: "upload", Err: err}
	}
	o.log.Info("synced build context",
		"builder", def.Name,
		"uploaded", stats.Uploaded, "skipped", stats.Skipped, "deleted", stats.Deleted)

	job.Status = StatusRunning
	sink := func(line string) {
		job.Logs.Append(line)
		fmt.Println(line)
	}

	buildCmd := buildCommand(remoteDir, req.Tags)
	code, err := transport.Exec(ctx, buildCmd, sink)
	if err != nil {
		return &StageError{Stage: "build", Err: err}
	}
	if code != 0 {
		return &StageError{Stage: "build", Err: &ExecError{Command: buildCmd, ExitCode: code}}
	}

	if req.Push {
		for _, tag := range req.Tags {
			pushCmd := "docker push " + shellQuote(tag)
			code, err := transport.Exec(ctx, pushCmd, sink)
			if err != nil {
				return &StageError{Stage: "push", Err: err}
			}
			if code != 0 {
				return &StageError{Stage: "push", Err: &ExecError{Command: pushCmd, ExitCode: code}}
			}
		}
	}
	return nil
}

// buildCommand assembles the remote docker build invocation, tagging the
// image once per requested tag.
func buildCommand(remoteDir string, tags []string) string {
	var b strings.Builder
	b.WriteString("set -euo pipefail && cd ")
	b.WriteString(shellQuote(remoteDir))
	b.WriteString(" && DOCKER_BUILDKIT=1 docker build")
	for _, tag := range tags {
		b.WriteString(" -t ")
		b.WriteString(shellQuote(tag))
	}
	b.WriteString(" .")
	return b.String()
}

func (o *Orchestrator) cleanupRemote(transport Transport, remoteDir string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	code, err := transport.Exec(ctx, "rm -rf "+shellQuote(remoteDir), nil)
	if err != nil || code != 0 {
		// Cleanup failures must not mask the build outcome.
		o.log.Warn("failed to remove remote context", "path", remoteDir, "exit", code, "error", err)
	}
}

func (o *Orchestrator) autoStop(ctx context.Context, def config.BuilderDefinition) {
	if len(def.StopCommand) == 0 {
		o.log.Warn("auto-stop requested but no stop_command is configured, skipping shutdown",
			"builder", def.Name)
		return
	}
	o.log.Info("stopping builder after build", "builder", def.Name)
	if err := o.lifecycle.Stop(ctx, def.Name); err != nil {
		o.log.Warn("failed to stop builder after build", "builder", def.Name, "error", err)
	}
}
