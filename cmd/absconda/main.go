package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/absconda/absconda/pkg/config"
	"github.com/absconda/absconda/pkg/lease"
	"github.com/absconda/absconda/pkg/lifecycle"
	"github.com/absconda/absconda/pkg/registry"
	"github.com/absconda/absconda/pkg/remote"
	"github.com/absconda/absconda/pkg/runner"
	"github.com/absconda/absconda/pkg/statusapi"
	"github.com/absconda/absconda/pkg/telemetry"
)

const (
	exitFailure     = 1
	exitConfig      = 2
	exitWaitTimeout = 3
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error: "+err.Error())
		os.Exit(exitCode(err))
	}
}

func logLevel() slog.Level {
	switch strings.ToLower(os.Getenv("ABSCONDA_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// exitCode maps error categories to process exit codes: configuration
// problems are 2, giving up on a busy builder is 3, everything else is 1.
func exitCode(err error) int {
	var cfgErr *config.Error
	if errors.As(err, &cfgErr) {
		return exitConfig
	}
	var waitErr *lease.WaitTimeoutError
	if errors.As(err, &waitErr) {
		return exitWaitTimeout
	}
	return exitFailure
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		usage(os.Stderr)
		return &config.Error{Message: "no command given"}
	}
	switch args[0] {
	case "build":
		return runBuild(ctx, args[1:])
	case "remote":
		return runRemote(ctx, args[1:])
	case "help", "-h", "--help":
		usage(os.Stdout)
		return nil
	default:
		usage(os.Stderr)
		return &config.Error{Message: fmt.Sprintf("unknown command %q", args[0])}
	}
}

func usage(w *os.File) {
	fmt.Fprint(w, `absconda - containerized environment builds on remote builders

Usage:
  absconda build --remote-builder NAME [options]
  absconda remote <list|status|provision|start|stop|destroy|serve> [args]

Build options:
  --remote-builder NAME   builder to run the build on (required)
  --tag TAG               image tag, repeatable
  --push                  push tags after a successful build
  --context DIR           build context directory (default ".")
  --build-file PATH       build file to inject (default <context>/Dockerfile)
  --exclude PATTERN       context exclude pattern, repeatable
  --checksum              compare file contents instead of size and mtime
  --remote-wait DUR       how long to wait for a busy builder (default 15m)
  --remote-off            stop the builder after the build finishes
  --config PATH           explicit configuration file
  --state-url URL         lease store backend (file://, redis://, postgres://)
`)
}

// app wires the shared components every command needs.
type app struct {
	cfg    *config.Config
	reg    *registry.Registry
	store  lease.Store
	leases *lease.Manager
	waiter *lease.Waiter
	ctrl   *lifecycle.Controller
	orch   *remote.Orchestrator
	log    *slog.Logger
}

func newApp(configPath, stateURL string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if stateURL == "" {
		stateURL = cfg.StateURL
	}
	store, err := lease.OpenStore(stateURL)
	if err != nil {
		return nil, err
	}

	log := slog.Default()
	reg := registry.FromConfig(cfg)
	leases := lease.NewManager(store, log)
	waiter := lease.NewWaiter(leases, log)
	execRun := &runner.ExecRunner{}
	ctrl := lifecycle.NewController(reg, leases, execRun, log)
	orch := remote.NewOrchestrator(reg, leases, waiter, ctrl, execRun, log)

	return &app{
		cfg:    cfg,
		reg:    reg,
		store:  store,
		leases: leases,
		waiter: waiter,
		ctrl:   ctrl,
		orch:   orch,
		log:    log,
	}, nil
}

// parseWait accepts either a bare number of seconds or a duration string.
func parseWait(raw string) (time.Duration, error) {
	if raw == "" {
		return lease.DefaultMaxWait, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, &config.Error{Message: fmt.Sprintf("invalid --remote-wait %q: pass seconds or a duration like 10m", raw)}
	}
	return d, nil
}

type stringsFlag []string

func (f *stringsFlag) String() string { return strings.Join(*f, ",") }

func (f *stringsFlag) Set(v string) error {
	*f = append(*f, v)
	return nil
}

func runBuild(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var tags, excludes stringsFlag
	builderName := fs.String("remote-builder", "", "builder to run the build on")
	remoteOff := fs.Bool("remote-off", false, "stop the builder after the build finishes")
	fs.Var(&tags, "tag", "image tag, repeatable")
	push := fs.Bool("push", false, "push tags after a successful build")
	contextDir := fs.String("context", ".", "build context directory")
	buildFile := fs.String("build-file", "", "build file to inject")
	fs.Var(&excludes, "exclude", "context exclude pattern, repeatable")
	checksum := fs.Bool("checksum", false, "compare file contents instead of size and mtime")
	waitRaw := fs.String("remote-wait", "", "how long to wait for a busy builder (seconds or duration)")
	configPath := fs.String("config", "", "explicit configuration file")
	stateURL := fs.String("state-url", "", "lease store backend")

	if err := fs.Parse(args); err != nil {
		return &config.Error{Message: err.Error()}
	}

	if *builderName == "" {
		return &config.Error{Message: "--remote-builder is required"}
	}
	if *buildFile == "" {
		*buildFile = *contextDir + "/Dockerfile"
	}
	wait, err := parseWait(*waitRaw)
	if err != nil {
		return err
	}

	a, err := newApp(*configPath, *stateURL)
	if err != nil {
		return err
	}

	shutdown := telemetry.InitTracer(ctx, "absconda")
	defer shutdown(context.Background())

	manifest := map[string]any{
		"builder":    *builderName,
		"tags":       []string(tags),
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
	if def, ok := a.reg.Get(*builderName); ok && len(def.Metadata) > 0 {
		manifest["builder_metadata"] = def.Metadata
	}

	job, err := a.orch.Build(ctx, remote.BuildRequest{
		Builder:       *builderName,
		BuildFilePath: *buildFile,
		ContextDir:    *contextDir,
		Tags:          tags,
		Push:          *push,
		Excludes:      excludes,
		Checksum:      *checksum,
		Manifest:      manifest,
		MaxWait:       wait,
		AutoStop:      *remoteOff,
	})
	if job != nil {
		a.log.Info("build finished", "job", job.ID, "status", string(job.Status))
	}
	return err
}

func runRemote(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return &config.Error{Message: "remote needs a subcommand: list, status, provision, start, stop, destroy, serve"}
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("remote "+sub, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "", "explicit configuration file")
	stateURL := fs.String("state-url", "", "lease store backend")
	yes := fs.Bool("yes", false, "confirm destructive operations")
	addr := fs.String("addr", ":8080", "listen address for serve")
	if err := fs.Parse(rest); err != nil {
		return &config.Error{Message: err.Error()}
	}

	a, err := newApp(*configPath, *stateURL)
	if err != nil {
		return err
	}

	name := fs.Arg(0)
	needName := func() error {
		if name == "" {
			return &config.Error{Message: fmt.Sprintf("remote %s needs a builder name (available: %s)",
				sub, strings.Join(a.reg.Names(), ", "))}
		}
		return nil
	}

	switch sub {
	case "list":
		return printBuilders(ctx, a)
	case "status":
		if err := needName(); err != nil {
			return err
		}
		return printStatus(ctx, a, name)
	case "provision":
		if err := needName(); err != nil {
			return err
		}
		return a.ctrl.Provision(ctx, name)
	case "start":
		if err := needName(); err != nil {
			return err
		}
		return a.ctrl.EnsureRunning(ctx, name)
	case "stop":
		if err := needName(); err != nil {
			return err
		}
		return a.ctrl.Stop(ctx, name)
	case "destroy":
		if err := needName(); err != nil {
			return err
		}
		if !*yes {
			return &config.Error{Message: fmt.Sprintf("destroying %q discards its state; re-run with --yes to confirm", name)}
		}
		return a.ctrl.Destroy(ctx, name)
	case "serve":
		srv := statusapi.NewServer(a.reg, a.store)
		a.log.Info("status API listening", "addr", *addr)
		return srv.ListenAndServe(ctx, *addr)
	default:
		return &config.Error{Message: fmt.Sprintf("unknown remote subcommand %q", sub)}
	}
}

func printBuilders(ctx context.Context, a *app) error {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPROVIDER\tPHASE\tENDPOINT\tBUILDS\tLEASE")
	for _, name := range a.reg.Names() {
		def, _ := a.reg.Get(name)
		st, err := a.store.Get(ctx, name)
		if err != nil {
			return err
		}
		leaseCol := "-"
		if st.Lease != nil {
			leaseCol = st.Lease.HolderID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			name, def.Provider, st.Phase, st.Endpoint, st.BuildCount, leaseCol)
	}
	return tw.Flush()
}

func printStatus(ctx context.Context, a *app, name string) error {
	if _, ok := a.reg.Get(name); !ok {
		return &config.Error{Message: fmt.Sprintf("builder %q not found (available: %s)",
			name, strings.Join(a.reg.Names(), ", "))}
	}
	st, err := a.store.Get(ctx, name)
	if err != nil {
		return err
	}
	fmt.Printf("builder:  %s\n", name)
	fmt.Printf("phase:    %s\n", st.Phase)
	if st.Endpoint != "" {
		fmt.Printf("endpoint: %s\n", st.Endpoint)
	}
	if st.Lease != nil {
		fmt.Printf("lease:    held by %s, expires %s\n",
			st.Lease.HolderID, st.Lease.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if st.LastBuildAt != nil {
		fmt.Printf("builds:   %d (last %s)\n", st.BuildCount, st.LastBuildAt.UTC().Format(time.RFC3339))
	} else {
		fmt.Printf("builds:   %d\n", st.BuildCount)
	}

	def, _ := a.reg.Get(name)
	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	probe := remote.Probe(probeCtx, def, &runner.ExecRunner{}, a.log)
	if probe.Reachable {
		fmt.Println("ssh:      reachable")
	} else {
		fmt.Printf("ssh:      unreachable (%v)\n", probe.Err)
	}
	if probe.StatusOK != nil {
		if *probe.StatusOK {
			fmt.Println("health:   ok")
		} else {
			fmt.Println("health:   failing")
		}
	}
	return nil
}
