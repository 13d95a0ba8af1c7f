package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const saveTimeout = 5 * time.Second

// Engine owns the definition registry and the table of live instances. Each
// started instance runs on its own goroutine; the caller never waits for it.
type Engine struct {
	executor *StepExecutor
	store    InstanceStore
	logger   *slog.Logger
	newID    func() string

	mu          sync.RWMutex
	definitions map[string]WorkflowDefinition
	instances   map[string]*instanceEntry
	closed      bool

	wg sync.WaitGroup
}

// instanceEntry guards one live instance. mu protects inst, cancel and
// looping; saveMu orders snapshots written to the store.
type instanceEntry struct {
	mu      sync.Mutex
	inst    *WorkflowInstance
	def     WorkflowDefinition
	cancel  context.CancelFunc
	looping bool

	saveMu sync.Mutex
}

type EngineOption func(*engineConfig)

type engineConfig struct {
	store       InstanceStore
	logger      *slog.Logger
	maxSteps    int
	maxParallel int
	newID       func() string
}

// WithStore sets the persistence gateway. The default is a MemoryStore.
func WithStore(store InstanceStore) EngineOption {
	return func(c *engineConfig) {
		if store != nil {
			c.store = store
		}
	}
}

func WithLogger(logger *slog.Logger) EngineOption {
	return func(c *engineConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMaxSteps(n int) EngineOption {
	return func(c *engineConfig) { c.maxSteps = n }
}

func WithMaxParallel(n int) EngineOption {
	return func(c *engineConfig) { c.maxParallel = n }
}

// WithIDGenerator replaces the UUID generator for instance ids.
func WithIDGenerator(fn func() string) EngineOption {
	return func(c *engineConfig) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// NewEngine creates an Engine that dispatches steps through registry.
func NewEngine(registry Registry, opts ...EngineOption) *Engine {
	cfg := engineConfig{
		logger: slog.Default(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.store == nil {
		cfg.store = NewMemoryStore()
	}

	return &Engine{
		executor: NewStepExecutor(registry,
			WithExecutorLogger(cfg.logger),
			WithStepLimit(cfg.maxSteps),
			WithParallelism(cfg.maxParallel),
		),
		store:       cfg.store,
		logger:      cfg.logger.With("component", "engine"),
		newID:       cfg.newID,
		definitions: make(map[string]WorkflowDefinition),
		instances:   make(map[string]*instanceEntry),
	}
}

// RegisterWorkflow validates def and stores it, replacing any definition with
// the same id. Stores that keep definitions get a copy; failing to persist it
// is logged, not returned.
func (e *Engine) RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error {
	if err := CheckDefinition(def); err != nil {
		return err
	}
	def = def.Clone()

	e.mu.Lock()
	e.definitions[def.ID] = def
	e.mu.Unlock()

	if ds, ok := e.store.(DefinitionStore); ok {
		if err := ds.SaveDefinition(ctx, def); err != nil {
			e.logger.Error("failed to persist definition", "workflow_id", def.ID, "error", err)
		}
	}
	e.logger.Info("workflow registered", "workflow_id", def.ID, "mode", def.Mode, "steps", len(def.Steps))
	return nil
}

// LoadDefinitions registers every definition kept by the store. Invalid
// entries are logged and skipped. It returns how many were registered.
func (e *Engine) LoadDefinitions(ctx context.Context) (int, error) {
	ds, ok := e.store.(DefinitionStore)
	if !ok {
		return 0, nil
	}
	defs, err := ds.ListDefinitions(ctx)
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, def := range defs {
		if err := CheckDefinition(def); err != nil {
			e.logger.Warn("skipping stored definition", "workflow_id", def.ID, "error", err)
			continue
		}
		e.mu.Lock()
		e.definitions[def.ID] = def.Clone()
		e.mu.Unlock()
		loaded++
	}
	return loaded, nil
}

// Definitions lists registered definitions ordered by id.
func (e *Engine) Definitions() []WorkflowDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]WorkflowDefinition, 0, len(e.definitions))
	for _, def := range e.definitions {
		out = append(out, def.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) Definition(id string) (WorkflowDefinition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.definitions[id]
	if !ok {
		return WorkflowDefinition{}, fmt.Errorf("%w: %s", ErrDefinitionNotFound, id)
	}
	return def.Clone(), nil
}

// StartWorkflow creates a pending instance and returns its id while
// persistence and execution continue in the background. Errors raised during the run
// end up on the instance, never here.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID string, data map[string]any) (string, error) {
	def, err := e.Definition(workflowID)
	if err != nil {
		return "", err
	}

	initial := cloneData(data)
	if initial == nil {
		initial = make(map[string]any)
	}
	entry := &instanceEntry{
		def: def,
		inst: &WorkflowInstance{
			ID:         e.newID(),
			WorkflowID: def.ID,
			Mode:       def.Mode,
			Status:     StatusPending,
			StartTime:  time.Now().UTC(),
			Data:       initial,
			Results:    make(map[string]StepResult),
		},
	}
	id := entry.inst.ID

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrEngineClosed
	}
	e.instances[id] = entry
	e.launch(ctx, entry)
	e.mu.Unlock()

	e.logger.Info("workflow started", "workflow_id", def.ID, "instance_id", id, "mode", def.Mode)
	return id, nil
}

// GetInstance returns a snapshot of the instance, or nil when the id is
// unknown to both the engine and the store.
func (e *Engine) GetInstance(ctx context.Context, id string) (*WorkflowInstance, error) {
	if entry := e.entry(id); entry != nil {
		entry.mu.Lock()
		defer entry.mu.Unlock()
		return entry.inst.Clone(), nil
	}
	inst, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load instance %s: %w", id, err)
	}
	return inst, nil
}

// CancelWorkflow marks the instance cancelled. A handler already in flight
// is signalled through its context but not interrupted; its result is
// discarded.
func (e *Engine) CancelWorkflow(ctx context.Context, id string) error {
	entry, err := e.lookup(ctx, id)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	if err := transition(entry.inst, StatusCancelled); err != nil {
		entry.mu.Unlock()
		return err
	}
	if entry.cancel != nil {
		entry.cancel()
	}
	entry.mu.Unlock()

	e.save(entry)
	e.logger.Info("workflow cancelled", "instance_id", id)
	return nil
}

// PauseWorkflow stops a running stepwise instance after its current step.
func (e *Engine) PauseWorkflow(ctx context.Context, id string) error {
	entry, err := e.lookup(ctx, id)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	if entry.inst.Mode != ModeStepwise {
		entry.mu.Unlock()
		return fmt.Errorf("%w: only stepwise instances can be paused", ErrInvalidState)
	}
	if err := transition(entry.inst, StatusPaused); err != nil {
		entry.mu.Unlock()
		return err
	}
	entry.mu.Unlock()

	e.save(entry)
	e.logger.Info("workflow paused", "instance_id", id)
	return nil
}

// ResumeWorkflow continues a paused stepwise instance from its current step.
// Instances paused by an earlier process are loaded from the store.
func (e *Engine) ResumeWorkflow(ctx context.Context, id string) error {
	entry, err := e.lookup(ctx, id)
	if err != nil {
		return err
	}

	if entry.def.ID == "" {
		return fmt.Errorf("%w: %s", ErrDefinitionNotFound, entry.inst.WorkflowID)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	entry.mu.Lock()
	if err := transition(entry.inst, StatusRunning); err != nil {
		entry.mu.Unlock()
		e.mu.Unlock()
		return err
	}
	relaunch := !entry.looping
	entry.mu.Unlock()
	if relaunch {
		e.launch(ctx, entry)
	}
	e.mu.Unlock()

	e.save(entry)
	e.logger.Info("workflow resumed", "instance_id", id)
	return nil
}

// Shutdown stops accepting new runs and waits for running instances. When
// ctx ends first, the remaining runs are signalled to stop and ctx.Err() is
// returned.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.mu.RLock()
		for _, entry := range e.instances {
			entry.mu.Lock()
			if entry.cancel != nil {
				entry.cancel()
			}
			entry.mu.Unlock()
		}
		e.mu.RUnlock()
		return ctx.Err()
	}
}

func (e *Engine) entry(id string) *instanceEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.instances[id]
}

// lookup finds a live entry or adopts an instance from the store.
func (e *Engine) lookup(ctx context.Context, id string) (*instanceEntry, error) {
	if entry := e.entry(id); entry != nil {
		return entry, nil
	}
	inst, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load instance %s: %w", id, err)
	}
	if inst == nil {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	// A missing definition only matters for resume.
	def, _ := e.Definition(inst.WorkflowID)
	if inst.Data == nil {
		inst.Data = make(map[string]any)
	}
	if inst.Results == nil {
		inst.Results = make(map[string]StepResult)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.instances[id]; ok {
		return existing, nil
	}
	entry := &instanceEntry{inst: inst, def: def}
	e.instances[id] = entry
	return entry, nil
}

// launch starts the background run. Callers hold e.mu and have checked that
// the engine is open.
func (e *Engine) launch(parent context.Context, entry *instanceEntry) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(parent))

	entry.mu.Lock()
	if entry.cancel != nil {
		entry.cancel()
	}
	entry.cancel = cancel
	entry.looping = true
	entry.mu.Unlock()

	e.wg.Add(1)
	go e.run(runCtx, entry)
}

func (e *Engine) run(ctx context.Context, entry *instanceEntry) {
	defer e.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			e.abort(entry, fmt.Errorf("internal error: %v", r))
		}
	}()

	// The pending record reaches the store before the first step is picked up.
	entry.mu.Lock()
	pending := entry.inst.Status == StatusPending
	entry.mu.Unlock()
	if pending {
		e.save(entry)
	}

	if entry.def.Mode == ModeDependency {
		e.runDependency(ctx, entry)
		return
	}
	e.runStepwise(ctx, entry)
}

func (e *Engine) runStepwise(ctx context.Context, entry *instanceEntry) {
	for {
		entry.mu.Lock()
		if status := entry.inst.Status; status != StatusPending && status != StatusRunning {
			entry.looping = false
			entry.mu.Unlock()
			return
		}
		promoted := entry.inst.Status == StatusPending
		if promoted {
			_ = transition(entry.inst, StatusRunning)
		}
		snapshot := entry.inst.Clone()
		entry.mu.Unlock()
		if promoted {
			e.save(entry)
		}

		next, err := e.executor.ExecuteStep(ctx, snapshot, entry.def)

		entry.mu.Lock()
		current := entry.inst.Status
		if current == StatusCancelled || next == nil {
			entry.looping = false
			entry.mu.Unlock()
			e.logger.Debug("discarding step outcome", "instance_id", snapshot.ID, "status", current)
			return
		}
		if errors.Is(err, context.Canceled) && !next.Status.IsTerminal() {
			// Interrupted by shutdown before a step ran: leave it resumable.
			next.Status = StatusPaused
		}
		if current == StatusPaused && !next.Status.IsTerminal() {
			next.Status = StatusPaused
		}
		entry.inst = next
		entry.mu.Unlock()

		e.save(entry)
		if err != nil && next.Status == StatusFailed {
			e.logger.Warn("workflow failed", "instance_id", next.ID, "step_id", next.CurrentStepID, "error", err)
		}
		if next.Status == StatusCompleted {
			e.logger.Info("workflow completed", "instance_id", next.ID, "steps", next.StepCount)
		}
	}
}

func (e *Engine) runDependency(ctx context.Context, entry *instanceEntry) {
	entry.mu.Lock()
	if err := transition(entry.inst, StatusRunning); err != nil {
		entry.looping = false
		entry.mu.Unlock()
		return
	}
	id := entry.inst.ID
	data := cloneData(entry.inst.Data)
	entry.mu.Unlock()
	e.save(entry)

	observe := func(ev stepEvent) {
		entry.mu.Lock()
		if entry.inst.Status != StatusRunning {
			entry.mu.Unlock()
			return
		}
		entry.inst.Data = cloneData(ev.Context)
		if ev.Err == nil || ev.Handled {
			entry.inst.Results[ev.StepID] = StepResult{Data: cloneData(ev.Result.Data)}
		}
		entry.inst.CurrentStepID = ev.StepID
		entry.inst.StepCount++
		entry.mu.Unlock()
		e.save(entry)
	}

	res, err := e.executor.executeGraph(ctx, id, entry.def.Steps, data, observe)

	entry.mu.Lock()
	entry.looping = false
	if entry.inst.Status != StatusRunning {
		entry.mu.Unlock()
		e.logger.Debug("discarding run outcome", "instance_id", id)
		return
	}
	switch {
	case err != nil:
		entry.inst.finish(StatusFailed, err.Error())
	case res.Success:
		entry.inst.Data = res.Context
		entry.inst.CurrentStepID = ""
		entry.inst.finish(StatusCompleted, "")
	default:
		entry.inst.Data = res.Context
		entry.inst.finish(StatusFailed, res.Error)
	}
	status := entry.inst.Status
	entry.mu.Unlock()

	e.save(entry)
	e.logger.Info("dependency run finished", "instance_id", id, "status", status)
}

// abort fails the instance after an unexpected panic in the run loop.
func (e *Engine) abort(entry *instanceEntry, err error) {
	entry.mu.Lock()
	entry.looping = false
	if !entry.inst.Status.IsTerminal() {
		entry.inst.finish(StatusFailed, err.Error())
	}
	id := entry.inst.ID
	entry.mu.Unlock()

	e.save(entry)
	e.logger.Error("workflow run aborted", "instance_id", id, "error", err)
}

// save writes a snapshot to the store. Failures are logged; the instance
// keeps running on degraded durability.
func (e *Engine) save(entry *instanceEntry) {
	entry.saveMu.Lock()
	defer entry.saveMu.Unlock()

	entry.mu.Lock()
	snapshot := entry.inst.Clone()
	entry.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := e.store.Save(ctx, snapshot); err != nil {
		e.logger.Error("failed to persist instance", "instance_id", snapshot.ID, "status", snapshot.Status, "error", err)
	}
}
