package remote

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus tracks a build attempt through the pipeline stages.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusUploading JobStatus = "uploading"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
)

// BuildJob is the in-memory record of one build attempt. It is never
// persisted; the lease store only carries builder state.
type BuildJob struct {
	ID          string
	Builder     string
	ContextPath string
	RemotePath  string
	Manifest    map[string]any
	Status      JobStatus
	StartedAt   time.Time
	Logs        *LogStream
}

// newBuildJob assigns the run ID used to namespace remote artifacts:
// <builder>-<utc timestamp>-<short uuid>.
func newBuildJob(builderName, contextPath string, manifest map[string]any) *BuildJob {
	slug := uuid.NewString()[:8]
	stamp := time.Now().UTC().Format("20060102150405")
	return &BuildJob{
		ID:          fmt.Sprintf("%s-%s-%s", builderName, stamp, slug),
		Builder:     builderName,
		ContextPath: contextPath,
		Manifest:    manifest,
		Status:      StatusPending,
		StartedAt:   time.Now().UTC(),
		Logs:        NewLogStream(),
	}
}

// StageError names the pipeline stage that failed; later stages are skipped.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ExecError reports a non-zero exit from a remote command. The exit code is
// the sole success signal; output is never interpreted.
type ExecError struct {
	Command  string
	ExitCode int
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("remote command %q exited with code %d", e.Command, e.ExitCode)
}
