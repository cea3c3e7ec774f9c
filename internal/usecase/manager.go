package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/saga-orchestrator/internal/domain"
)

// ProcessConfiguration registers a process type with the manager. Graph is
// mandatory; the retry knobs default to "never retry" when nil.
type ProcessConfiguration struct {
	ProcessType string
	Graph       *domain.ProcessGraph

	// IsRetryable decides whether a failed step is worth retrying given the
	// reported error message.
	IsRetryable func(step, errMsg string) bool
	// MaxRetries caps retries per step.
	MaxRetries func(step string) int
	// RetryDelay spaces retry attempts; attempt starts at 1.
	RetryDelay func(step string, attempt int) time.Duration
}

func (c ProcessConfiguration) retryable(step, errMsg string) bool {
	return c.IsRetryable != nil && c.IsRetryable(step, errMsg)
}

func (c ProcessConfiguration) maxRetries(step string) int {
	if c.MaxRetries == nil {
		return 0
	}
	return c.MaxRetries(step)
}

func (c ProcessConfiguration) retryDelay(step string, attempt int) time.Duration {
	if c.RetryDelay == nil {
		return 0
	}
	return c.RetryDelay(step, attempt)
}

const redispatchTimeout = 30 * time.Second

// ProcessManager drives registered process graphs: it starts instances,
// consumes correlated replies, advances or compensates, and parks dead
// commands. All state transitions run inside a unit-of-work together with
// the outbox rows they produce.
type ProcessManager struct {
	mu      sync.RWMutex
	configs map[string]ProcessConfiguration

	processes domain.ProcessRepository
	commands  domain.CommandRepository
	dlq       domain.DLQRepository
	tx        domain.TxRunner
	bus       domain.CommandBus
	naming    domain.QueueNaming
	log       *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewProcessManager wires a manager over its ports.
func NewProcessManager(
	processes domain.ProcessRepository,
	commands domain.CommandRepository,
	dlq domain.DLQRepository,
	tx domain.TxRunner,
	bus domain.CommandBus,
	naming domain.QueueNaming,
	log *slog.Logger,
) *ProcessManager {
	return &ProcessManager{
		configs:   map[string]ProcessConfiguration{},
		processes: processes,
		commands:  commands,
		dlq:       dlq,
		tx:        tx,
		bus:       bus,
		naming:    naming,
		log:       log,
		stop:      make(chan struct{}),
	}
}

// Register adds a process type. Registration happens at boot, before any
// instance exists; a duplicate type is a configuration error.
func (m *ProcessManager) Register(cfg ProcessConfiguration) error {
	if cfg.Graph == nil {
		return fmt.Errorf("op=manager.register: %w: nil graph for %q", domain.ErrBadGraph, cfg.ProcessType)
	}
	if cfg.ProcessType == "" {
		cfg.ProcessType = cfg.Graph.ProcessType()
	}
	if cfg.ProcessType != cfg.Graph.ProcessType() {
		return fmt.Errorf("op=manager.register: %w: type %q does not match graph %q", domain.ErrBadGraph, cfg.ProcessType, cfg.Graph.ProcessType())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[cfg.ProcessType]; ok {
		return fmt.Errorf("op=manager.register: %w: %q", domain.ErrRegistered, cfg.ProcessType)
	}
	m.configs[cfg.ProcessType] = cfg
	return nil
}

func (m *ProcessManager) config(processType string) (ProcessConfiguration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[processType]
	return cfg, ok
}

// Start creates a RUNNING instance and dispatches its initial step, all in
// one unit-of-work. When that dispatch cannot be committed, a second
// unit-of-work records the instance as FAILED so the attempt stays
// auditable, and the error surfaces to the caller.
func (m *ProcessManager) Start(ctx domain.Context, processType, businessKey string, data map[string]any) (uuid.UUID, error) {
	cfg, ok := m.config(processType)
	if !ok {
		return uuid.Nil, domain.Permanentf("op=manager.start: unknown process type %q", processType)
	}

	now := time.Now().UTC()
	inst := domain.ProcessInstance{
		ProcessID:   uuid.New(),
		ProcessType: processType,
		BusinessKey: businessKey,
		Status:      domain.ProcessNew,
		CurrentStep: cfg.Graph.InitialStep(),
		Data:        copyData(data),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := m.tx.WithinTx(ctx, func(ctx domain.Context) error {
		if err := m.processes.Insert(ctx, inst); err != nil {
			return err
		}
		if err := m.processes.Log(ctx, inst.ProcessID, domain.ProcessEvent{Type: domain.EventProcessStarted, Data: inst.Data}); err != nil {
			return err
		}
		if err := m.executeStep(ctx, cfg, &inst, cfg.Graph.InitialStep()); err != nil {
			return err
		}
		return m.processes.Update(ctx, inst)
	})
	if err == nil {
		m.log.InfoContext(ctx, "process started",
			slog.String("process_id", inst.ProcessID.String()),
			slog.String("process_type", processType),
			slog.String("business_key", businessKey))
		return inst.ProcessID, nil
	}

	// The first transaction rolled back whole. Record the failed attempt in
	// a fresh one; losing that record too is tolerable, losing the error is
	// not.
	inst.Status = domain.ProcessFailedStatus
	recErr := m.tx.WithinTx(ctx, func(ctx domain.Context) error {
		if insErr := m.processes.Insert(ctx, inst); insErr != nil {
			return insErr
		}
		if logErr := m.processes.Log(ctx, inst.ProcessID, domain.ProcessEvent{Type: domain.EventProcessStarted, Data: inst.Data}); logErr != nil {
			return logErr
		}
		return m.processes.Log(ctx, inst.ProcessID, domain.ProcessEvent{Type: domain.EventProcessFailed, Error: err.Error()})
	})
	if recErr != nil {
		m.log.ErrorContext(ctx, "recording failed start", slog.String("process_id", inst.ProcessID.String()), slog.Any("error", recErr))
	}
	return inst.ProcessID, fmt.Errorf("op=manager.start: %w", err)
}

// executeStep dispatches the command(s) for a step and positions the
// instance on it. Dispatching is what moves a NEW instance to RUNNING.
// A fan-out node dispatches every branch at once and positions the
// instance on the join.
func (m *ProcessManager) executeStep(ctx domain.Context, cfg ProcessConfiguration, inst *domain.ProcessInstance, step string) error {
	s, ok := cfg.Graph.Step(step)
	if !ok {
		return domain.Permanentf("op=manager.execute: process %s references unknown step %q", inst.ProcessID, step)
	}
	inst.Status = domain.ProcessRunning

	if s.Next.Kind == domain.NextParallel {
		join := s.Next.JoinStep
		states := make(map[string]any, len(s.Next.Branches))
		for _, br := range s.Next.Branches {
			states[br] = domain.BranchPending
		}
		inst.Data[domain.ParallelKey(join)] = states
		inst.CurrentStep = join
		if err := m.processes.Log(ctx, inst.ProcessID, domain.ProcessEvent{
			Type:      domain.EventStepStarted,
			Step:      join,
			CommandID: "PARALLEL:" + strconv.Itoa(len(s.Next.Branches)),
		}); err != nil {
			return err
		}
		for _, br := range s.Next.Branches {
			if _, err := m.dispatch(ctx, inst, br, dispatchOpts{branchOf: join}); err != nil {
				return err
			}
		}
		return nil
	}

	cmdID, err := m.dispatch(ctx, inst, step, dispatchOpts{})
	if err != nil {
		return err
	}
	inst.CurrentStep = step
	return m.processes.Log(ctx, inst.ProcessID, domain.ProcessEvent{
		Type:      domain.EventStepStarted,
		Step:      step,
		CommandID: cmdID.String(),
		Retries:   inst.Retries,
	})
}

type dispatchOpts struct {
	branchOf     string
	compensating bool
}

// dispatch hands one command to the bus. The idempotency key pins each
// logical dispatch: a given (process, step, attempt) pair produces exactly
// one registry row no matter how often this code runs.
func (m *ProcessManager) dispatch(ctx domain.Context, inst *domain.ProcessInstance, step string, opts dispatchOpts) (uuid.UUID, error) {
	headers := map[string]string{
		domain.HeaderCorrelationID: inst.ProcessID.String(),
		domain.HeaderReplyTo:       m.naming.ReplyTopic(),
	}
	key := inst.ProcessID.String() + ":" + step
	switch {
	case opts.compensating:
		headers[domain.HeaderCompensating] = "true"
		key = inst.ProcessID.String() + ":COMPENSATE:" + step
	case opts.branchOf != "":
		headers[domain.HeaderParallelBranch] = step
		headers[domain.HeaderParentStep] = opts.branchOf
	}
	if inst.Retries > 0 && !opts.compensating {
		key += ":" + strconv.Itoa(inst.Retries)
	}
	return m.bus.Accept(ctx, step, key, inst.BusinessKey, commandPayload(inst.Data), headers)
}

// HandleReply consumes one correlated reply. Replies for unknown or
// terminal instances, and replies not matching the instance's position,
// are logged and dropped; redelivery of anything already applied is cut
// off upstream by the inbox.
func (m *ProcessManager) HandleReply(ctx domain.Context, correlationID, commandID uuid.UUID, reply domain.Reply) error {
	return m.tx.WithinTx(ctx, func(ctx domain.Context) error {
		return m.handleReply(ctx, correlationID, commandID, reply)
	})
}

func (m *ProcessManager) handleReply(ctx domain.Context, correlationID, commandID uuid.UUID, reply domain.Reply) error {
	inst, err := m.processes.FindByID(ctx, correlationID)
	if err != nil {
		m.log.WarnContext(ctx, "reply for unknown process dropped",
			slog.String("process_id", correlationID.String()),
			slog.String("command_id", commandID.String()))
		return nil
	}
	if inst.Status.Terminal() {
		m.log.WarnContext(ctx, "reply for finished process dropped",
			slog.String("process_id", inst.ProcessID.String()),
			slog.String("status", string(inst.Status)),
			slog.String("command_id", commandID.String()))
		return nil
	}
	cfg, ok := m.config(inst.ProcessType)
	if !ok {
		return domain.Permanentf("op=manager.reply: process %s has unregistered type %q", inst.ProcessID, inst.ProcessType)
	}
	cmd, err := m.commands.FindByID(ctx, commandID)
	if err != nil {
		return fmt.Errorf("op=manager.reply: %w", err)
	}
	step := cmd.Name

	if states, ok := branchStates(inst.Data, inst.CurrentStep); ok {
		if _, isBranch := states[step]; isBranch {
			return m.handleBranchReply(ctx, cfg, &inst, cmd, states, reply)
		}
	}
	if step != inst.CurrentStep {
		m.log.WarnContext(ctx, "stale reply dropped",
			slog.String("process_id", inst.ProcessID.String()),
			slog.String("step", step),
			slog.String("current_step", inst.CurrentStep))
		return nil
	}
	if inst.Status == domain.ProcessCompensating {
		return m.handleCompensationReply(ctx, &inst, cmd, reply)
	}
	return m.handleStepReply(ctx, cfg, &inst, cmd, reply)
}

func (m *ProcessManager) handleStepReply(ctx domain.Context, cfg ProcessConfiguration, inst *domain.ProcessInstance, cmd domain.Command, reply domain.Reply) error {
	step := cmd.Name
	if reply.Type != domain.ReplyCommandCompleted {
		return m.handleStepFailure(ctx, cfg, inst, cmd, step, reply)
	}

	mergeData(inst.Data, reply.Data)
	if err := m.processes.Log(ctx, inst.ProcessID, domain.ProcessEvent{
		Type:      domain.EventStepCompleted,
		Step:      step,
		CommandID: cmd.ID.String(),
		Data:      reply.Data,
	}); err != nil {
		return err
	}

	next, ok := cfg.Graph.NextAfter(step, inst.Data)
	switch {
	case !ok:
		inst.Status = domain.ProcessSucceeded
		if err := m.processes.Log(ctx, inst.ProcessID, domain.ProcessEvent{Type: domain.EventProcessCompleted, Data: inst.Data}); err != nil {
			return err
		}
		m.log.InfoContext(ctx, "process completed",
			slog.String("process_id", inst.ProcessID.String()),
			slog.String("process_type", inst.ProcessType))
	case inst.Status == domain.ProcessPausedStatus:
		// Remember where to go, dispatch nothing until Resume.
		inst.CurrentStep = next
	default:
		inst.Retries = 0
		if err := m.executeStep(ctx, cfg, inst, next); err != nil {
			return err
		}
	}
	return m.processes.Update(ctx, *inst)
}

func (m *ProcessManager) handleBranchReply(ctx domain.Context, cfg ProcessConfiguration, inst *domain.ProcessInstance, cmd domain.Command, states map[string]any, reply domain.Reply) error {
	branch := cmd.Name
	if reply.Type != domain.ReplyCommandCompleted {
		return m.failBranch(ctx, cfg, inst, cmd, branch, reply)
	}

	mergeData(inst.Data, reply.Data)
	states[branch] = domain.BranchCompleted
	inst.Data[domain.ParallelKey(inst.CurrentStep)] = states
	if err := m.processes.Log(ctx, inst.ProcessID, domain.ProcessEvent{
		Type:      domain.EventStepCompleted,
		Step:      branch,
		CommandID: cmd.ID.String(),
		Data:      reply.Data,
	}); err != nil {
		return err
	}

	for _, state := range states {
		if state != domain.BranchCompleted {
			return m.processes.Update(ctx, *inst)
		}
	}
	// Last branch in; the join dispatches exactly once because this branch
	// completion and the join's StepStarted commit together.
	delete(inst.Data, domain.ParallelKey(inst.CurrentStep))
	if inst.Status == domain.ProcessPausedStatus {
		return m.processes.Update(ctx, *inst)
	}
	inst.Retries = 0
	if err := m.executeStep(ctx, cfg, inst, inst.CurrentStep); err != nil {
		return err
	}
	return m.processes.Update(ctx, *inst)
}

func (m *ProcessManager) handleCompensationReply(ctx domain.Context, inst *domain.ProcessInstance, cmd domain.Command, reply domain.Reply) error {
	if reply.Type != domain.ReplyCommandCompleted {
		if err := m.processes.Log(ctx, inst.ProcessID, domain.ProcessEvent{
			Type:      domain.EventCompensationFailed,
			Step:      cmd.Name,
			CommandID: cmd.ID.String(),
			Error:     reply.Error,
		}); err != nil {
			return err
		}
		return m.failProcess(ctx, inst, cmd, reply.Error)
	}
	mergeData(inst.Data, reply.Data)
	if err := m.processes.Log(ctx, inst.ProcessID, domain.ProcessEvent{
		Type:      domain.EventCompensationCompleted,
		Step:      cmd.Name,
		CommandID: cmd.ID.String(),
	}); err != nil {
		return err
	}
	inst.Status = domain.ProcessCompensated
	m.log.InfoContext(ctx, "process compensated",
		slog.String("process_id", inst.ProcessID.String()),
		slog.String("process_type", inst.ProcessType))
	return m.processes.Update(ctx, *inst)
}

// handleStepFailure covers failed and timed-out replies for sequential
// steps; failed branches take the failBranch path, which never retries.
func (m *ProcessManager) handleStepFailure(ctx domain.Context, cfg ProcessConfiguration, inst *domain.ProcessInstance, cmd domain.Command, step string, reply domain.Reply) error {
	if reply.Type == domain.ReplyCommandTimedOut {
		errMsg := "Timeout: " + reply.Error
		if err := m.processes.Log(ctx, inst.ProcessID, domain.ProcessEvent{
			Type:      domain.EventStepTimedOut,
			Step:      step,
			CommandID: cmd.ID.String(),
			Error:     errMsg,
		}); err != nil {
			return err
		}
		return m.compensateOrFail(ctx, cfg, inst, cmd, step, errMsg)
	}

	if cfg.retryable(step, reply.Error) && inst.Retries < cfg.maxRetries(step) {
		inst.Retries++
		if err := m.processes.Log(ctx, inst.ProcessID, domain.ProcessEvent{
			Type:      domain.EventStepFailed,
			Step:      step,
			CommandID: cmd.ID.String(),
			Error:     reply.Error,
			Retryable: true,
			Retries:   inst.Retries,
		}); err != nil {
			return err
		}
		if err := m.processes.Update(ctx, *inst); err != nil {
			return err
		}
		m.scheduleRetry(inst.ProcessID, step, cfg.retryDelay(step, inst.Retries))
		m.log.InfoContext(ctx, "step retry scheduled",
			slog.String("process_id", inst.ProcessID.String()),
			slog.String("step", step),
			slog.Int("attempt", inst.Retries))
		return nil
	}

	if err := m.processes.Log(ctx, inst.ProcessID, domain.ProcessEvent{
		Type:      domain.EventStepFailed,
		Step:      step,
		CommandID: cmd.ID.String(),
		Error:     reply.Error,
	}); err != nil {
		return err
	}
	return m.compensateOrFail(ctx, cfg, inst, cmd, step, reply.Error)
}

// failBranch fails the whole fan-out on the first failed branch. Branch
// failures bypass the retry policy; sibling replies landing later are
// dropped as stale.
func (m *ProcessManager) failBranch(ctx domain.Context, cfg ProcessConfiguration, inst *domain.ProcessInstance, cmd domain.Command, branch string, reply domain.Reply) error {
	errMsg := reply.Error
	evType := domain.EventStepFailed
	if reply.Type == domain.ReplyCommandTimedOut {
		evType = domain.EventStepTimedOut
		errMsg = "Timeout: " + reply.Error
	}
	if err := m.processes.Log(ctx, inst.ProcessID, domain.ProcessEvent{
		Type:      evType,
		Step:      branch,
		CommandID: cmd.ID.String(),
		Error:     errMsg,
	}); err != nil {
		return err
	}
	return m.compensateOrFail(ctx, cfg, inst, cmd, branch, errMsg)
}

// compensateOrFail dispatches a compensation when one applies, otherwise
// parks the command and fails the process.
func (m *ProcessManager) compensateOrFail(ctx domain.Context, cfg ProcessConfiguration, inst *domain.ProcessInstance, cmd domain.Command, step, errMsg string) error {
	comp, err := m.compensationFor(ctx, cfg, inst, step)
	if err != nil {
		return err
	}
	if comp == "" {
		return m.failProcess(ctx, inst, cmd, errMsg)
	}

	delete(inst.Data, domain.ParallelKey(inst.CurrentStep))
	inst.Status = domain.ProcessCompensating
	if err := m.processes.Log(ctx, inst.ProcessID, domain.ProcessEvent{
		Type:  domain.EventCompensationStarted,
		Step:  comp,
		Error: errMsg,
	}); err != nil {
		return err
	}
	cmdID, err := m.dispatch(ctx, inst, comp, dispatchOpts{compensating: true})
	if err != nil {
		return err
	}
	inst.CurrentStep = comp
	if err := m.processes.Log(ctx, inst.ProcessID, domain.ProcessEvent{
		Type:      domain.EventStepStarted,
		Step:      comp,
		CommandID: cmdID.String(),
	}); err != nil {
		return err
	}
	return m.processes.Update(ctx, *inst)
}

// compensationFor resolves which compensation a failure triggers: the
// failed step's own when the graph declares one, otherwise the most
// recently completed step's, found by walking the log backwards. Empty
// means nothing to undo.
func (m *ProcessManager) compensationFor(ctx domain.Context, cfg ProcessConfiguration, inst *domain.ProcessInstance, failed string) (string, error) {
	if s, ok := cfg.Graph.Step(failed); ok && s.Compensation != "" {
		return s.Compensation, nil
	}
	entries, err := m.processes.Events(ctx, inst.ProcessID)
	if err != nil {
		return "", fmt.Errorf("op=manager.compensate: %w", err)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i].Event
		if e.Type != domain.EventStepCompleted {
			continue
		}
		if s, ok := cfg.Graph.Step(e.Step); ok && s.Compensation != "" {
			return s.Compensation, nil
		}
	}
	return "", nil
}

func (m *ProcessManager) failProcess(ctx domain.Context, inst *domain.ProcessInstance, cmd domain.Command, errMsg string) error {
	if err := m.dlq.Park(ctx, domain.DlqEntry{
		ID:           uuid.New(),
		CommandID:    cmd.ID,
		CommandName:  cmd.Name,
		BusinessKey:  inst.BusinessKey,
		Payload:      cmd.Payload,
		FailedStatus: cmd.Status,
		ErrorClass:   "permanent",
		ErrorMessage: errMsg,
		Attempts:     inst.Retries,
		ParkedBy:     "process-manager",
		ParkedAt:     time.Now().UTC(),
	}); err != nil {
		return err
	}
	inst.Status = domain.ProcessFailedStatus
	if err := m.processes.Log(ctx, inst.ProcessID, domain.ProcessEvent{Type: domain.EventProcessFailed, Error: errMsg}); err != nil {
		return err
	}
	m.log.ErrorContext(ctx, "process failed",
		slog.String("process_id", inst.ProcessID.String()),
		slog.String("process_type", inst.ProcessType),
		slog.String("error", errMsg))
	return m.processes.Update(ctx, *inst)
}

// Pause stops a RUNNING instance from dispatching further steps. In-flight
// commands still complete and their replies are applied.
func (m *ProcessManager) Pause(ctx domain.Context, processID uuid.UUID) error {
	return m.tx.WithinTx(ctx, func(ctx domain.Context) error {
		inst, err := m.processes.FindByID(ctx, processID)
		if err != nil {
			return err
		}
		if inst.Status != domain.ProcessRunning {
			return domain.Permanentf("op=manager.pause: process %s is %s", processID, inst.Status)
		}
		inst.Status = domain.ProcessPausedStatus
		if err := m.processes.Log(ctx, processID, domain.ProcessEvent{Type: domain.EventProcessPaused}); err != nil {
			return err
		}
		return m.processes.Update(ctx, inst)
	})
}

// Resume restarts a PAUSED instance by dispatching its current step, which
// pause-time reply handling left pointing at the next undone step.
func (m *ProcessManager) Resume(ctx domain.Context, processID uuid.UUID) error {
	return m.tx.WithinTx(ctx, func(ctx domain.Context) error {
		inst, err := m.processes.FindByID(ctx, processID)
		if err != nil {
			return err
		}
		if inst.Status != domain.ProcessPausedStatus {
			return domain.Permanentf("op=manager.resume: process %s is %s", processID, inst.Status)
		}
		cfg, ok := m.config(inst.ProcessType)
		if !ok {
			return domain.Permanentf("op=manager.resume: process %s has unregistered type %q", processID, inst.ProcessType)
		}
		inst.Status = domain.ProcessRunning
		if err := m.processes.Log(ctx, processID, domain.ProcessEvent{Type: domain.EventProcessResumed}); err != nil {
			return err
		}
		if err := m.executeStep(ctx, cfg, &inst, inst.CurrentStep); err != nil {
			return err
		}
		return m.processes.Update(ctx, inst)
	})
}

// scheduleRetry re-dispatches a step after the configured delay. Timers are
// in-memory; a crash before firing loses them, and the lease recovery loop
// then times the still-PENDING command out.
func (m *ProcessManager) scheduleRetry(processID uuid.UUID, step string, delay time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-m.stop:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), redispatchTimeout)
		defer cancel()
		if err := m.redispatch(ctx, processID, step); err != nil {
			m.log.Error("step retry dispatch failed",
				slog.String("process_id", processID.String()),
				slog.String("step", step),
				slog.Any("error", err))
		}
	}()
}

func (m *ProcessManager) redispatch(ctx domain.Context, processID uuid.UUID, step string) error {
	return m.tx.WithinTx(ctx, func(ctx domain.Context) error {
		inst, err := m.processes.FindByID(ctx, processID)
		if err != nil {
			return err
		}
		if inst.Status != domain.ProcessRunning {
			return nil
		}
		if _, ok := m.config(inst.ProcessType); !ok {
			return domain.Permanentf("op=manager.redispatch: process %s has unregistered type %q", processID, inst.ProcessType)
		}
		opts := dispatchOpts{}
		if states, found := branchStates(inst.Data, inst.CurrentStep); found {
			if _, isBranch := states[step]; isBranch {
				opts.branchOf = inst.CurrentStep
			} else {
				return nil
			}
		} else if step != inst.CurrentStep {
			return nil
		}
		cmdID, err := m.dispatch(ctx, &inst, step, opts)
		if err != nil {
			return err
		}
		return m.processes.Log(ctx, processID, domain.ProcessEvent{
			Type:      domain.EventStepStarted,
			Step:      step,
			CommandID: cmdID.String(),
			Retries:   inst.Retries,
		})
	})
}

// Shutdown stops retry timers and waits for in-flight re-dispatches, up to
// the context deadline.
func (m *ProcessManager) Shutdown(ctx domain.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("op=manager.shutdown: %w", ctx.Err())
	}
}

func copyData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// commandPayload strips reserved bookkeeping keys before data goes on the
// wire.
func commandPayload(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if domain.IsParallelKey(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// mergeData folds reply data into instance data, ignoring reserved keys
// and the branch echo a worker may copy back from its headers.
func mergeData(dst, src map[string]any) {
	for k, v := range src {
		if domain.IsParallelKey(k) || k == domain.HeaderParallelBranch {
			continue
		}
		dst[k] = v
	}
}

// branchStates reads the fan-out bookkeeping for a join step. JSON
// round-trips deliver it as map[string]any.
func branchStates(data map[string]any, join string) (map[string]any, bool) {
	raw, ok := data[domain.ParallelKey(join)]
	if !ok {
		return nil, false
	}
	states, ok := raw.(map[string]any)
	return states, ok
}
