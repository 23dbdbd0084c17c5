package remote

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/absconda/absconda/pkg/config"
	"github.com/absconda/absconda/pkg/lease"
	"github.com/absconda/absconda/pkg/lifecycle"
	"github.com/absconda/absconda/pkg/registry"
	"github.com/absconda/absconda/pkg/runner"
)

type fakeTransport struct {
	execs     []string
	pushes    int
	buildExit int
	pushErr   error
	closed    bool
}

func (f *fakeTransport) Exec(ctx context.Context, command string, sink runner.LineSink) (int, error) {
	f.execs = append(f.execs, command)
	if strings.Contains(command, "docker build") {
		if sink != nil {
			sink("Step 1/1 : FROM python:3.12")
		}
		return f.buildExit, nil
	}
	return 0, nil
}

func (f *fakeTransport) Push(ctx context.Context, bc *BuildContext, remoteDir string, checksum bool) (PushStats, error) {
	if f.pushErr != nil {
		return PushStats{}, f.pushErr
	}
	f.pushes++
	return PushStats{Uploaded: len(bc.Entries)}, nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

type lifecycleRunner struct{}

func (lifecycleRunner) Run(ctx context.Context, argv []string, sink runner.LineSink) (int, error) {
	return 0, nil
}

func testDefinition() config.BuilderDefinition {
	return config.BuilderDefinition{
		Name:          "gpu-1",
		Provider:      config.ProviderGenericSSH,
		Host:          "gpu1.example.com",
		User:          "build",
		SSHPort:       22,
		Workspace:     "/srv/builds",
		StartCommand:  []string{"start-builder"},
		StopCommand:   []string{"stop-builder"},
		StatusCommand: []string{"status-builder"},
	}
}

func newTestOrchestrator(t *testing.T, transport Transport) (*Orchestrator, *lease.Manager) {
	t.Helper()
	log := discardLogger()
	reg := registry.New()
	reg.Set(testDefinition())
	leases := lease.NewManager(lease.NewMemStore(), log)
	waiter := lease.NewWaiter(leases, log)
	ctrl := lifecycle.NewController(reg, leases, lifecycleRunner{}, log)
	ctrl.ReadyTimeout = time.Second

	o := NewOrchestrator(reg, leases, waiter, ctrl, lifecycleRunner{}, log)
	o.dial = func(def config.BuilderDefinition) (Transport, error) { return transport, nil }

	// Provisioned but powered down; the pipeline has to bring it up itself.
	ctx := context.Background()
	for _, phase := range []lease.Phase{lease.PhaseProvisioning, lease.PhaseStopped} {
		if _, err := leases.Transition(ctx, "gpu-1", phase); err != nil {
			t.Fatalf("transition failed: %v", err)
		}
	}
	return o, leases
}

func testRequest(t *testing.T) BuildRequest {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "app.py"), "print('hi')\n")
	rendered := filepath.Join(t.TempDir(), "Dockerfile")
	writeFile(t, rendered, "FROM python:3.12\n")
	return BuildRequest{
		Builder:       "gpu-1",
		BuildFilePath: rendered,
		ContextDir:    root,
		Tags:          []string{"registry.example.com/app:latest"},
		Manifest:      map[string]any{"builder": "gpu-1"},
		MaxWait:       time.Minute,
	}
}

func TestBuildHappyPath(t *testing.T) {
	transport := &fakeTransport{}
	o, leases := newTestOrchestrator(t, transport)

	job, err := o.Build(context.Background(), testRequest(t))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if job.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", job.Status)
	}
	if transport.pushes != 1 {
		t.Fatalf("expected one context push, got %d", transport.pushes)
	}
	if !transport.closed {
		t.Fatal("transport should be closed after the build")
	}

	var sawBuild, sawCleanup bool
	for _, cmd := range transport.execs {
		if strings.Contains(cmd, "docker build") {
			sawBuild = true
			if !strings.Contains(cmd, "registry.example.com/app:latest") {
				t.Fatalf("build command missing tag: %s", cmd)
			}
		}
		if strings.HasPrefix(cmd, "rm -rf ") {
			sawCleanup = true
		}
	}
	if !sawBuild {
		t.Fatalf("no build command ran, saw %v", transport.execs)
	}
	if !sawCleanup {
		t.Fatalf("remote context should be removed after success, saw %v", transport.execs)
	}

	st, _ := leases.Get(context.Background(), "gpu-1")
	if st.Phase != lease.PhaseRunning {
		t.Fatalf("builder should settle back to running, got %s", st.Phase)
	}
	if st.Lease != nil {
		t.Fatal("lease should be released after the build")
	}
	if st.BuildCount != 1 {
		t.Fatalf("expected build count 1, got %d", st.BuildCount)
	}
}

func TestBuildPushesEveryTag(t *testing.T) {
	transport := &fakeTransport{}
	o, _ := newTestOrchestrator(t, transport)

	req := testRequest(t)
	req.Push = true
	req.Tags = []string{"app:latest", "app:v1"}
	if _, err := o.Build(context.Background(), req); err != nil {
		t.Fatalf("build failed: %v", err)
	}

	pushCount := 0
	for _, cmd := range transport.execs {
		if strings.HasPrefix(cmd, "docker push ") {
			pushCount++
		}
	}
	if pushCount != 2 {
		t.Fatalf("expected one push per tag, got %d", pushCount)
	}
}

func TestBuildFailureKeepsRemoteContextAndReleasesLease(t *testing.T) {
	transport := &fakeTransport{buildExit: 1}
	o, leases := newTestOrchestrator(t, transport)

	job, err := o.Build(context.Background(), testRequest(t))
	var stage *StageError
	if !errors.As(err, &stage) || stage.Stage != "build" {
		t.Fatalf("expected a build stage error, got %v", err)
	}
	var execErr *ExecError
	if !errors.As(err, &execErr) || execErr.ExitCode != 1 {
		t.Fatalf("expected the remote exit code, got %v", err)
	}
	if job.Status != StatusFailed {
		t.Fatalf("expected failed status, got %s", job.Status)
	}

	for _, cmd := range transport.execs {
		if strings.HasPrefix(cmd, "rm -rf ") {
			t.Fatal("failed build context must be preserved for debugging")
		}
	}

	st, _ := leases.Get(context.Background(), "gpu-1")
	if st.Lease != nil {
		t.Fatal("lease must be released even when the build fails")
	}
	if st.Phase != lease.PhaseRunning {
		t.Fatalf("builder should return to running after a failed build, got %s", st.Phase)
	}
	if st.BuildCount != 0 {
		t.Fatalf("failed builds must not bump the counter, got %d", st.BuildCount)
	}
}

func TestTransferFailureCleansUpAndReleasesLease(t *testing.T) {
	transport := &fakeTransport{pushErr: errors.New("connection reset")}
	o, leases := newTestOrchestrator(t, transport)

	_, err := o.Build(context.Background(), testRequest(t))
	var stage *StageError
	if !errors.As(err, &stage) || stage.Stage != "upload" {
		t.Fatalf("expected an upload stage error, got %v", err)
	}

	var sawCleanup bool
	for _, cmd := range transport.execs {
		if strings.HasPrefix(cmd, "rm -rf ") {
			sawCleanup = true
		}
	}
	if !sawCleanup {
		t.Fatal("a failed transfer should remove the partial remote context")
	}

	st, _ := leases.Get(context.Background(), "gpu-1")
	if st.Lease != nil {
		t.Fatal("lease must be released after a failed transfer")
	}
}

func TestBuildUnknownBuilderIsConfigError(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeTransport{})
	req := testRequest(t)
	req.Builder = "nope"
	_, err := o.Build(context.Background(), req)
	var cfgErr *config.Error
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected config Error, got %v", err)
	}
}

func TestBuildRequiresTags(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeTransport{})
	req := testRequest(t)
	req.Tags = nil
	_, err := o.Build(context.Background(), req)
	var cfgErr *config.Error
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected config Error, got %v", err)
	}
}

func TestBuildAutoStopAfterRelease(t *testing.T) {
	transport := &fakeTransport{}
	o, leases := newTestOrchestrator(t, transport)

	req := testRequest(t)
	req.AutoStop = true
	if _, err := o.Build(context.Background(), req); err != nil {
		t.Fatalf("build failed: %v", err)
	}

	st, _ := leases.Get(context.Background(), "gpu-1")
	if st.Phase != lease.PhaseStopped {
		t.Fatalf("auto-stop should leave the builder stopped, got %s", st.Phase)
	}
}
