package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/absconda/absconda/pkg/config"
	"github.com/absconda/absconda/pkg/lease"
	"github.com/absconda/absconda/pkg/registry"
	"github.com/absconda/absconda/pkg/runner"
)

const (
	pollBackoffBase = 5 * time.Second
	pollBackoffCap  = 30 * time.Second
	// DefaultReadyTimeout bounds the overall wait for a started builder to
	// report ready before giving up.
	DefaultReadyTimeout = 300 * time.Second
)

// Logger is the minimal logging surface used by this package. *slog.Logger
// satisfies it.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Controller drives a builder through its lifecycle transitions by invoking
// the definition's configured commands and recording phase changes in the
// lease store.
type Controller struct {
	reg    *registry.Registry
	leases *lease.Manager
	run    runner.CommandRunner
	log    Logger

	// ReadyTimeout overrides DefaultReadyTimeout when positive.
	ReadyTimeout time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

func NewController(reg *registry.Registry, leases *lease.Manager, run runner.CommandRunner, log Logger) *Controller {
	return &Controller{reg: reg, leases: leases, run: run, log: log, sleep: sleepContext}
}

func (c *Controller) definition(name string) (config.BuilderDefinition, error) {
	def, ok := c.reg.Get(name)
	if !ok {
		return config.BuilderDefinition{}, &config.Error{
			Message: fmt.Sprintf("builder %q is not configured (available: %s)", name, strings.Join(c.reg.Names(), ", ")),
		}
	}
	return def, nil
}

// State returns the current persisted state record for a builder.
func (c *Controller) State(ctx context.Context, name string) (lease.State, error) {
	if _, err := c.definition(name); err != nil {
		return lease.State{}, err
	}
	return c.leases.Get(ctx, name)
}

// Provision runs the builder's provision command, moving the record from
// unprovisioned to stopped. A provisioning failure reverts to unprovisioned.
func (c *Controller) Provision(ctx context.Context, name string) error {
	def, err := c.definition(name)
	if err != nil {
		return err
	}
	if len(def.ProvisionCommand) == 0 {
		return &config.Error{Message: fmt.Sprintf("builder %q does not define a provision_command", name)}
	}

	if _, err := c.leases.Transition(ctx, name, lease.PhaseProvisioning); err != nil {
		return err
	}
	c.log.Info("provisioning remote builder", "builder", name)
	if err := c.runCommand(ctx, name, "provision", def.ProvisionCommand); err != nil {
		if _, revertErr := c.leases.Transition(ctx, name, lease.PhaseUnprovisioned); revertErr != nil {
			c.log.Error("failed to revert phase after provision failure", "builder", name, "error", revertErr)
		}
		return err
	}
	if _, err := c.leases.Transition(ctx, name, lease.PhaseStopped); err != nil {
		return err
	}
	return c.leases.SetEndpoint(ctx, name, def.Host)
}

// EnsureRunning is idempotent: callable from stopped, starting, or running and
// always resolves to running or fails. A builder already running is a no-op
// and does not invoke the start command.
func (c *Controller) EnsureRunning(ctx context.Context, name string) error {
	def, err := c.definition(name)
	if err != nil {
		return err
	}
	st, err := c.leases.Get(ctx, name)
	if err != nil {
		return err
	}
	switch st.Phase {
	case lease.PhaseRunning, lease.PhaseBusy:
		return nil
	case lease.PhaseStopped:
		return c.Start(ctx, name)
	case lease.PhaseStarting:
		// Another process kicked off the start; wait for readiness and settle
		// the phase ourselves if that process died.
		if err := c.pollReady(ctx, name, def); err != nil {
			c.revertStart(ctx, name)
			return err
		}
		return c.settleRunning(ctx, name)
	default:
		return &lease.NotReadyError{Name: name, Phase: st.Phase}
	}
}

// Start invokes the start command and polls the status command until the
// builder reports ready, with bounded exponential backoff. A timeout reverts
// the record to stopped and surfaces an error.
func (c *Controller) Start(ctx context.Context, name string) error {
	def, err := c.definition(name)
	if err != nil {
		return err
	}
	if len(def.StartCommand) == 0 {
		return &config.Error{Message: fmt.Sprintf("builder %q does not define a start_command", name)}
	}

	if _, err := c.leases.Transition(ctx, name, lease.PhaseStarting); err != nil {
		return err
	}
	c.log.Info("starting remote builder", "builder", name)
	if err := c.runCommand(ctx, name, "start", def.StartCommand); err != nil {
		c.revertStart(ctx, name)
		return err
	}
	if err := c.pollReady(ctx, name, def); err != nil {
		c.revertStart(ctx, name)
		return err
	}
	return c.settleRunning(ctx, name)
}

// Stop invokes the stop command, moving running to stopped. On failure the
// phase reverts to running best-effort.
func (c *Controller) Stop(ctx context.Context, name string) error {
	def, err := c.definition(name)
	if err != nil {
		return err
	}
	st, err := c.leases.Get(ctx, name)
	if err != nil {
		return err
	}
	if st.Phase == lease.PhaseStopped {
		c.log.Info("builder already stopped", "builder", name)
		return nil
	}
	if len(def.StopCommand) == 0 {
		return &config.Error{Message: fmt.Sprintf("builder %q does not define a stop_command", name)}
	}

	if _, err := c.leases.Transition(ctx, name, lease.PhaseStopping); err != nil {
		return err
	}
	c.log.Info("stopping remote builder", "builder", name)
	if err := c.runCommand(ctx, name, "stop", def.StopCommand); err != nil {
		if _, revertErr := c.leases.Transition(ctx, name, lease.PhaseRunning); revertErr != nil {
			c.log.Error("failed to revert phase after stop failure", "builder", name, "error", revertErr)
		}
		return err
	}
	_, err = c.leases.Transition(ctx, name, lease.PhaseStopped)
	return err
}

// Destroy tears the builder down and deletes its state record. Confirmation
// is the CLI's responsibility; once invoked this executes unconditionally.
func (c *Controller) Destroy(ctx context.Context, name string) error {
	def, err := c.definition(name)
	if err != nil {
		return err
	}
	if _, err := c.leases.Transition(ctx, name, lease.PhaseDestroying); err != nil {
		return err
	}
	if len(def.DestroyCommand) > 0 {
		c.log.Info("destroying remote builder", "builder", name)
		if err := c.runCommand(ctx, name, "destroy", def.DestroyCommand); err != nil {
			if _, revertErr := c.leases.Transition(ctx, name, lease.PhaseStopped); revertErr != nil {
				c.log.Error("failed to revert phase after destroy failure", "builder", name, "error", revertErr)
			}
			return err
		}
	} else {
		c.log.Warn("no destroy_command configured, removing state record only", "builder", name)
	}
	if _, err := c.leases.Transition(ctx, name, lease.PhaseUnprovisioned); err != nil {
		return err
	}
	return c.leases.Forget(ctx, name)
}

func (c *Controller) revertStart(ctx context.Context, name string) {
	if _, err := c.leases.Transition(ctx, name, lease.PhaseStopped); err != nil {
		c.log.Error("failed to revert phase after start failure", "builder", name, "error", err)
	}
}

// settleRunning marks the builder running, tolerating a concurrent process
// having already done so.
func (c *Controller) settleRunning(ctx context.Context, name string) error {
	_, err := c.leases.Transition(ctx, name, lease.PhaseRunning)
	var transition *lease.TransitionError
	if errors.As(err, &transition) && (transition.From == lease.PhaseRunning || transition.From == lease.PhaseBusy) {
		return nil
	}
	return err
}

// pollReady runs the status command with exponential backoff until it exits
// zero or the overall timeout elapses. Builders without a status command are
// assumed ready after one poll interval.
func (c *Controller) pollReady(ctx context.Context, name string, def config.BuilderDefinition) error {
	if len(def.StatusCommand) == 0 {
		c.log.Info("no status_command configured, assuming builder is ready shortly", "builder", name)
		return c.sleep(ctx, pollBackoffBase)
	}

	timeout := c.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	deadline := time.Now().Add(timeout)
	delay := pollBackoffBase
	for {
		code, err := c.run.Run(ctx, def.StatusCommand, nil)
		if err != nil {
			return fmt.Errorf("status command for builder %q: %w", name, err)
		}
		if code == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("builder %q did not become ready within %s", name, timeout)
		}
		c.log.Info("builder not ready yet, polling again", "builder", name, "retry_in", delay.String())
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
		if delay > pollBackoffCap {
			delay = pollBackoffCap
		}
	}
}

func (c *Controller) runCommand(ctx context.Context, name, action string, argv []string) error {
	code, err := c.run.Run(ctx, argv, func(line string) {
		c.log.Info(line, "builder", name, "action", action)
	})
	if err != nil {
		return fmt.Errorf("%s command for builder %q: %w", action, name, err)
	}
	if code != 0 {
		return fmt.Errorf("%s command for builder %q exited with code %d", action, name, code)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
