package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	appLog "periodic/internal/log"
	"periodic/internal/model"
)

// ErrUnknownJob is returned by Registry.Build for an unregistered job type.
var ErrUnknownJob = errors.New("scheduler: unknown job type")

// Fire describes one dispatch of a trigger.
type Fire struct {
	ID          string
	Key         string
	ScheduledAt time.Time
	FiredAt     time.Time
	Occurrence  model.Occurrence
}

// Job is what runs when a trigger fires.
type Job interface {
	Run(ctx context.Context, f Fire) error
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context, f Fire) error

func (fn JobFunc) Run(ctx context.Context, f Fire) error { return fn(ctx, f) }

// JobSpec is the configured job of a definition.
type JobSpec struct {
	// Type selects the registered factory. Empty means "log".
	Type    string
	Command []string
	Timeout time.Duration
}

// Factory builds a Job from its spec.
type Factory func(spec JobSpec) (Job, error)

// Registry maps job type names to factories. Types are registered
// explicitly at startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in "log" and "exec" jobs.
func NewRegistry() *Registry {
	r := &Registry{factories: map[string]Factory{}}
	r.Register("log", newLogJob)
	r.Register("exec", newExecJob)
	return r
}

// Register adds or replaces a job type.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(strings.TrimSpace(name))] = f
}

func (r *Registry) Build(spec JobSpec) (Job, error) {
	name := strings.ToLower(strings.TrimSpace(spec.Type))
	if name == "" {
		name = "log"
	}
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJob, spec.Type)
	}
	return f(spec)
}

// Names lists the registered job types, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func newLogJob(JobSpec) (Job, error) {
	return JobFunc(func(_ context.Context, f Fire) error {
		appLog.Info("occurrence",
			"key", f.Key,
			"fire_id", f.ID,
			"start", f.Occurrence.Start,
			"end", f.Occurrence.End,
			"late", f.FiredAt.Sub(f.ScheduledAt).String(),
		)
		return nil
	}), nil
}

const maxExecOutput = 4096

func newExecJob(spec JobSpec) (Job, error) {
	if len(spec.Command) == 0 || strings.TrimSpace(spec.Command[0]) == "" {
		return nil, errors.New("exec job: command is empty")
	}
	argv := append([]string(nil), spec.Command...)
	return JobFunc(func(ctx context.Context, f Fire) error {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Env = append(os.Environ(),
			"PERIODIC_KEY="+f.Key,
			"PERIODIC_FIRE_ID="+f.ID,
			"PERIODIC_SCHEDULED="+f.ScheduledAt.Format(time.RFC3339),
			"PERIODIC_START="+f.Occurrence.Start.Format(time.RFC3339),
			"PERIODIC_END="+f.Occurrence.End.Format(time.RFC3339),
		)
		out, err := cmd.CombinedOutput()
		if len(out) > maxExecOutput {
			out = out[:maxExecOutput]
		}
		if err != nil {
			return fmt.Errorf("exec %s: %w (output: %s)", argv[0], err, strings.TrimSpace(string(out)))
		}
		appLog.Debug("exec job done", "key", f.Key, "command", argv[0], "output", strings.TrimSpace(string(out)))
		return nil
	}), nil
}
