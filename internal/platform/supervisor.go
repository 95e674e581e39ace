package platform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RestartMode says when a finished maintenance task is started again.
type RestartMode string

const (
	// RestartAlways restarts the task whether it returned an error or nil.
	RestartAlways RestartMode = "always"
	// RestartOnFailure restarts only after a non-nil error.
	RestartOnFailure RestartMode = "on-failure"
	// RestartNever runs the task at most once.
	RestartNever RestartMode = "never"
)

func (m RestartMode) shouldRestart(err error) bool {
	switch m {
	case RestartOnFailure:
		return err != nil
	case RestartNever:
		return false
	default:
		return true
	}
}

// SupervisorPolicy bounds restarts. The delay between attempts grows by
// BackoffFactor from InitialBackoff up to MaxBackoff; MaxRestarts of zero
// means unlimited.
type SupervisorPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	MaxRestarts    int
}

func (p SupervisorPolicy) normalized() SupervisorPolicy {
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 10 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 200 * time.Millisecond
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = 2.0
	}
	return p
}

// TaskSpec names a maintenance task and controls its restart mode.
type TaskSpec struct {
	Name    string
	Restart RestartMode
}

// TaskStatus is a point-in-time view of one task. Statuses of tasks that
// failed for good are kept so operators can see why.
type TaskStatus struct {
	Name      string      `json:"name"`
	Restart   RestartMode `json:"restart"`
	Restarts  int         `json:"restarts"`
	LastError string      `json:"last_error,omitempty"`
	Failed    bool        `json:"failed"`
}

// SupervisorHooks observe restart and give-up events. OnFailure runs on
// its own goroutine so a slow hook cannot stall task teardown.
type SupervisorHooks struct {
	OnRestart func(name string, err error, restarts int)
	OnFailure func(name string, err error, restarts int)
}

// Supervisor keeps per-population maintenance loops alive. Each task runs
// until its context is cancelled; a task that exits early comes back
// under its restart mode with exponential backoff.
type Supervisor struct {
	policy SupervisorPolicy
	hooks  SupervisorHooks

	mu      sync.Mutex
	running map[string]*managedTask
	retired map[string]TaskStatus
}

type managedTask struct {
	spec   TaskSpec
	cancel context.CancelFunc
	done   chan struct{}

	restarts int
	lastErr  error
	failed   bool
}

// status requires the supervisor lock.
func (t *managedTask) status() TaskStatus {
	st := TaskStatus{
		Name:     t.spec.Name,
		Restart:  t.spec.Restart,
		Restarts: t.restarts,
		Failed:   t.failed,
	}
	if t.lastErr != nil {
		st.LastError = t.lastErr.Error()
	}
	return st
}

// worthRetiring reports whether the task's record should outlive it.
// Clean single runs leave no trace.
func (t *managedTask) worthRetiring() bool {
	return t.failed || t.restarts > 0 || t.lastErr != nil
}

func NewSupervisor(policy SupervisorPolicy) *Supervisor {
	return NewSupervisorWithHooks(policy, SupervisorHooks{})
}

func NewSupervisorWithHooks(policy SupervisorPolicy, hooks SupervisorHooks) *Supervisor {
	return &Supervisor{
		policy:  policy.normalized(),
		hooks:   hooks,
		running: make(map[string]*managedTask),
		retired: make(map[string]TaskStatus),
	}
}

// Start runs the task with RestartAlways.
func (s *Supervisor) Start(name string, run func(ctx context.Context) error) error {
	return s.StartSpec(TaskSpec{Name: name, Restart: RestartAlways}, run)
}

// StartSpec runs the task under its spec. Names must be unique among
// running tasks; starting a name again clears its retired status.
func (s *Supervisor) StartSpec(spec TaskSpec, run func(ctx context.Context) error) error {
	if spec.Name == "" {
		return errors.New("task name is required")
	}
	if run == nil {
		return errors.New("task runner is required")
	}
	switch spec.Restart {
	case RestartAlways, RestartOnFailure, RestartNever:
	default:
		spec.Restart = RestartAlways
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := &managedTask{
		spec:   spec,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if _, exists := s.running[spec.Name]; exists {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("task already running: %s", spec.Name)
	}
	delete(s.retired, spec.Name)
	s.running[spec.Name] = task
	s.mu.Unlock()

	go s.supervise(ctx, task, run)
	return nil
}

func (s *Supervisor) supervise(ctx context.Context, task *managedTask, run func(ctx context.Context) error) {
	defer s.retire(task)

	backoff := s.policy.InitialBackoff
	for {
		err := run(ctx)
		if ctx.Err() != nil {
			return
		}
		if !task.spec.Restart.shouldRestart(err) {
			return
		}

		s.mu.Lock()
		task.lastErr = err
		exhausted := s.policy.MaxRestarts > 0 && task.restarts >= s.policy.MaxRestarts
		if exhausted {
			task.failed = true
		} else {
			task.restarts++
		}
		restarts := task.restarts
		s.mu.Unlock()

		if exhausted {
			if s.hooks.OnFailure != nil {
				go s.hooks.OnFailure(task.spec.Name, err, restarts)
			}
			return
		}
		if s.hooks.OnRestart != nil {
			s.hooks.OnRestart(task.spec.Name, err, restarts)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if backoff = time.Duration(float64(backoff) * s.policy.BackoffFactor); backoff > s.policy.MaxBackoff {
			backoff = s.policy.MaxBackoff
		}
	}
}

// retire removes the task from the running set, keeping its status when
// it has something to say.
func (s *Supervisor) retire(task *managedTask) {
	s.mu.Lock()
	if current, ok := s.running[task.spec.Name]; ok && current == task {
		if task.worthRetiring() {
			s.retired[task.spec.Name] = task.status()
		}
		delete(s.running, task.spec.Name)
	}
	s.mu.Unlock()
	close(task.done)
}

// Stop cancels the named task and waits for it to finish. Stopping a
// name that is no longer running clears its retained record.
func (s *Supervisor) Stop(name string) {
	s.mu.Lock()
	task, ok := s.running[name]
	delete(s.retired, name)
	s.mu.Unlock()
	if !ok {
		return
	}
	task.cancel()
	<-task.done
}

// StopAll cancels every task and waits for all of them.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	tasks := make([]*managedTask, 0, len(s.running))
	for _, task := range s.running {
		tasks = append(tasks, task)
	}
	s.retired = make(map[string]TaskStatus)
	s.mu.Unlock()

	for _, task := range tasks {
		task.cancel()
	}
	for _, task := range tasks {
		<-task.done
	}
}

// Tasks lists running task names in sorted order.
func (s *Supervisor) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.running))
	for name := range s.running {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Statuses reports running tasks plus retired ones whose record matters.
func (s *Supervisor) Statuses() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.running)+len(s.retired))
	for _, task := range s.running {
		out = append(out, task.status())
	}
	for name, st := range s.retired {
		if _, active := s.running[name]; active {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
