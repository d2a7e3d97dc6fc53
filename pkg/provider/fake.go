package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// FakeProvider is an in-memory Provider for tests and local development.
// Containers never run anything; their state changes only through the
// Provider methods and the Crash/Vanish helpers.
type FakeProvider struct {
	mu sync.RWMutex

	containers map[string]*fakeContainer
	networks   map[string]string

	// errors injects failures per operation name (e.g. "CreateContainer")
	errors map[string]error
	// failCounts limits an injected error to the next n calls; 0 means always
	failCounts map[string]int

	// delays makes an operation block (honoring ctx) before it runs
	delays map[string]time.Duration

	calls   []FakeCall
	subs    []chan ContainerEvent
	nextID  int64
	created atomic.Int64
}

type fakeContainer struct {
	info ContainerInfo
	spec ContainerSpec
	logs []byte
	done chan struct{}
}

// FakeCall records one Provider method invocation
type FakeCall struct {
	Method string
	Arg    string
}

// NewFakeProvider creates an empty fake runtime
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		containers: make(map[string]*fakeContainer),
		networks:   make(map[string]string),
		errors:     make(map[string]error),
		failCounts: make(map[string]int),
		delays:     make(map[string]time.Duration),
	}
}

// SetError makes every call to op fail with err until cleared with a nil err
func (f *FakeProvider) SetError(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errors, op)
		delete(f.failCounts, op)
		return
	}
	f.errors[op] = err
	delete(f.failCounts, op)
}

// FailNext makes the next n calls to op fail with err
func (f *FakeProvider) FailNext(op string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors[op] = err
	f.failCounts[op] = n
}

// SetDelay makes op wait d before running
func (f *FakeProvider) SetDelay(op string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays[op] = d
}

// CreatedCount returns the number of successful CreateContainer calls
func (f *FakeProvider) CreatedCount() int {
	return int(f.created.Load())
}

// Calls returns the recorded calls
func (f *FakeProvider) Calls() []FakeCall {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]FakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns how many times method was called
func (f *FakeProvider) CallCount(method string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Crash marks a container as exited and emits a die event, simulating a
// daemon process that died.
func (f *FakeProvider) Crash(id string) {
	f.mu.Lock()
	c, ok := f.containers[id]
	if ok && c.info.State == StateRunning {
		c.info.State = StateExited
		c.info.ExitCode = 137
		close(c.done)
	}
	f.mu.Unlock()
	if ok {
		f.emit(ContainerEvent{ContainerID: id, Action: EventDie, Labels: c.info.Labels, Time: time.Now()})
	}
}

// Vanish deletes a container behind the orchestrator's back
func (f *FakeProvider) Vanish(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		if c.info.State == StateRunning {
			close(c.done)
		}
		delete(f.containers, id)
	}
}

// Spec returns the spec a container was created with
func (f *FakeProvider) Spec(id string) (ContainerSpec, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.containers[id]
	if !ok {
		return ContainerSpec{}, false
	}
	return c.spec, true
}

// AddContainer registers a running container that the orchestrator did not create
func (f *FakeProvider) AddContainer(name string, labels map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("fake-%04d", f.nextID)
	f.containers[id] = &fakeContainer{
		info: ContainerInfo{ID: id, Name: name, State: StateRunning, Labels: copyLabels(labels), CreatedAt: time.Now(), StartedAt: time.Now()},
		done: make(chan struct{}),
	}
	return id
}

// RunningCount returns the number of running containers
func (f *FakeProvider) RunningCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, c := range f.containers {
		if c.info.State == StateRunning {
			n++
		}
	}
	return n
}

func (f *FakeProvider) Name() string {
	return "fake"
}

func (f *FakeProvider) Ping(ctx context.Context) error {
	return f.enter(ctx, "Ping", "")
}

func (f *FakeProvider) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if err := f.enter(ctx, "CreateContainer", spec.Name); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if spec.Name != "" && c.info.Name == spec.Name {
			return "", fmt.Errorf("container name %q already in use", spec.Name)
		}
	}
	f.nextID++
	id := fmt.Sprintf("fake-%04d", f.nextID)
	f.containers[id] = &fakeContainer{
		info: ContainerInfo{ID: id, Name: spec.Name, State: StateCreated, Labels: copyLabels(spec.Labels), CreatedAt: time.Now()},
		spec: spec,
		done: make(chan struct{}),
	}
	f.created.Add(1)
	return id, nil
}

func (f *FakeProvider) StartContainer(ctx context.Context, id string) error {
	if err := f.enter(ctx, "StartContainer", id); err != nil {
		return err
	}

	f.mu.Lock()
	c, ok := f.containers[id]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrContainerNotFound, id)
	}
	c.info.State = StateRunning
	c.info.StartedAt = time.Now()
	labels := c.info.Labels
	f.mu.Unlock()

	f.emit(ContainerEvent{ContainerID: id, Action: EventStart, Labels: labels, Time: time.Now()})
	return nil
}

func (f *FakeProvider) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	if err := f.enter(ctx, "StopContainer", id); err != nil {
		return err
	}

	f.mu.Lock()
	c, ok := f.containers[id]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrContainerNotFound, id)
	}
	wasRunning := c.info.State == StateRunning
	if wasRunning {
		c.info.State = StateExited
		close(c.done)
	}
	labels := c.info.Labels
	f.mu.Unlock()

	if wasRunning {
		f.emit(ContainerEvent{ContainerID: id, Action: EventStop, Labels: labels, Time: time.Now()})
	}
	return nil
}

func (f *FakeProvider) RemoveContainer(ctx context.Context, id string) error {
	if err := f.enter(ctx, "RemoveContainer", id); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrContainerNotFound, id)
	}
	if c.info.State == StateRunning {
		close(c.done)
	}
	delete(f.containers, id)
	return nil
}

func (f *FakeProvider) InspectContainer(ctx context.Context, id string) (*ContainerInfo, error) {
	if err := f.enter(ctx, "InspectContainer", id); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.containers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, id)
	}
	info := c.info
	info.Labels = copyLabels(c.info.Labels)
	return &info, nil
}

func (f *FakeProvider) ListContainers(ctx context.Context, labels map[string]string) ([]*ContainerInfo, error) {
	if err := f.enter(ctx, "ListContainers", ""); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []*ContainerInfo
	for _, c := range f.containers {
		if !matchLabels(c.info.Labels, labels) {
			continue
		}
		info := c.info
		info.Labels = copyLabels(c.info.Labels)
		out = append(out, &info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeProvider) CreateNetwork(ctx context.Context, name string) (string, error) {
	if err := f.enter(ctx, "CreateNetwork", name); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.networks[name]; ok {
		return id, nil
	}
	id := fmt.Sprintf("net-%s", name)
	f.networks[name] = id
	return id, nil
}

func (f *FakeProvider) ContainerLogs(ctx context.Context, id string, tail int) ([]byte, error) {
	if err := f.enter(ctx, "ContainerLogs", id); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.containers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, id)
	}
	return append([]byte(nil), c.logs...), nil
}

func (f *FakeProvider) WaitContainer(ctx context.Context, id string) (*ExitResult, error) {
	if err := f.enter(ctx, "WaitContainer", id); err != nil {
		return nil, err
	}

	f.mu.RLock()
	c, ok := f.containers[id]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, id)
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	return &ExitResult{ExitCode: c.info.ExitCode}, nil
}

func (f *FakeProvider) Events(ctx context.Context) (<-chan ContainerEvent, <-chan error) {
	events := make(chan ContainerEvent, 64)
	errs := make(chan error, 1)

	if err := f.enter(ctx, "Events", ""); err != nil {
		errs <- err
		close(events)
		return events, errs
	}

	f.mu.Lock()
	f.subs = append(f.subs, events)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		for i, ch := range f.subs {
			if ch == events {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				break
			}
		}
		f.mu.Unlock()
		close(events)
		errs <- ctx.Err()
	}()

	return events, errs
}

// AppendLogs adds output to a container's log buffer
func (f *FakeProvider) AppendLogs(id string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.logs = append(c.logs, data...)
	}
}

func (f *FakeProvider) enter(ctx context.Context, op, arg string) error {
	f.mu.Lock()
	f.calls = append(f.calls, FakeCall{Method: op, Arg: arg})
	delay := f.delays[op]
	err := f.errors[op]
	if err != nil {
		if n, limited := f.failCounts[op]; limited {
			if n <= 1 {
				delete(f.errors, op)
				delete(f.failCounts, op)
			} else {
				f.failCounts[op] = n - 1
			}
		}
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (f *FakeProvider) emit(ev ContainerEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func matchLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func copyLabels(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
