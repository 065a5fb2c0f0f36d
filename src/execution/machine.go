package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tradeengine/src/model"
	"tradeengine/src/repository"
)

// transitions is the explicit legality table of the execution state
// machine. Terminal states have no successors; every edge not listed here
// is rejected at the API boundary.
var transitions = map[model.ExecutionState][]model.ExecutionState{
	model.ExecStateIdle: {
		model.ExecStateAnalyzing, model.ExecStatePlanning, model.ExecStateAwaitingApproval,
		model.ExecStateExecuting, model.ExecStateCancelled, model.ExecStateFailed,
	},
	model.ExecStateAnalyzing: {
		model.ExecStatePlanning, model.ExecStateAwaitingApproval, model.ExecStateExecuting,
		model.ExecStatePaused, model.ExecStateCancelled, model.ExecStateFailed,
	},
	model.ExecStatePlanning: {
		model.ExecStateAwaitingApproval, model.ExecStateExecuting,
		model.ExecStatePaused, model.ExecStateCancelled, model.ExecStateFailed,
	},
	model.ExecStateAwaitingApproval: {
		model.ExecStateExecuting, model.ExecStatePaused,
		model.ExecStateCancelled, model.ExecStateFailed,
	},
	// Once broadcast, only monitoring to a terminal state remains.
	model.ExecStateExecuting: {
		model.ExecStateMonitoring, model.ExecStateCompleted, model.ExecStateFailed,
	},
	model.ExecStateMonitoring: {
		model.ExecStateCompleted, model.ExecStateFailed,
	},
	model.ExecStatePaused: {
		model.ExecStateAnalyzing, model.ExecStatePlanning, model.ExecStateAwaitingApproval,
		model.ExecStateExecuting, model.ExecStateCancelled, model.ExecStateFailed,
	},
	model.ExecStateCompleted: {},
	model.ExecStateFailed:    {},
	model.ExecStateCancelled: {},
}

func edgeAllowed(from, to model.ExecutionState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CompletionHook is notified when a record owned by the registered producer
// reaches completed, so the owner can propagate lastExecutedAt and compute
// its next run.
type CompletionHook func(ctx context.Context, rec *model.ExecutionRecord) error

// TransitionOpts carries the optional parts of a transition.
type TransitionOpts struct {
	Reason      string
	Context     model.Payload
	Error       *string
	ErrorCode   string
	Recoverable *bool
}

// Manager is the execution record state machine. All transitions on one
// record are serialized through a per-record mutex.
type Manager struct {
	repo   *repository.ExecutionRepository
	logger *logrus.Entry
	now    func() time.Time

	mu    sync.Mutex
	locks map[uint]*sync.Mutex

	hookMu sync.RWMutex
	hooks  map[model.OwnerType]CompletionHook
}

// NewManager creates a state machine over the given repository.
func NewManager(logger *logrus.Entry, repo *repository.ExecutionRepository) *Manager {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Manager{
		repo:   repo,
		logger: logger,
		now:    time.Now,
		locks:  map[uint]*sync.Mutex{},
		hooks:  map[model.OwnerType]CompletionHook{},
	}
}

// WithNow overrides the clock. Useful for tests.
func (m *Manager) WithNow(now func() time.Time) *Manager {
	m.now = now
	return m
}

// OnCompleted registers the completion hook for one producer type.
func (m *Manager) OnCompleted(owner model.OwnerType, hook CompletionHook) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.hooks[owner] = hook
}

func (m *Manager) recordLock(id uint) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}

// Create opens a new execution record in idle, with the creation entry
// already in its history.
func (m *Manager) Create(ctx context.Context, ownerType model.OwnerType, ownerID uint, wallet string) (*model.ExecutionRecord, error) {
	now := m.now()
	rec := &model.ExecutionRecord{
		OwnerType:      ownerType,
		OwnerID:        ownerID,
		WalletAddress:  wallet,
		CurrentState:   model.ExecStateIdle,
		StateEnteredAt: now,
	}

	if err := m.repo.Create(ctx, rec); err != nil {
		return nil, err
	}

	tr := &model.StateTransition{
		FromState: model.ExecStateIdle,
		ToState:   model.ExecStateIdle,
		Trigger:   "created",
	}
	if err := m.repo.ApplyTransition(ctx, rec.ID, map[string]interface{}{
		"state_entered_at": now,
	}, tr); err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"execution_id": rec.ID,
		"owner_type":   ownerType,
		"owner_id":     ownerID,
	}).Info("execution record created")

	return rec, nil
}

// Transition moves a record along one edge of the table, appending the
// audit entry atomically. Illegal edges and terminal records are rejected
// without mutation.
func (m *Manager) Transition(ctx context.Context, id uint, to model.ExecutionState, trigger string, opts TransitionOpts) (*model.ExecutionRecord, error) {
	lock := m.recordLock(id)
	lock.Lock()
	defer lock.Unlock()

	return m.transitionLocked(ctx, id, to, trigger, opts)
}

func (m *Manager) transitionLocked(ctx context.Context, id uint, to model.ExecutionState, trigger string, opts TransitionOpts) (*model.ExecutionRecord, error) {
	rec, err := m.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if rec.CurrentState.Terminal() {
		return nil, fmt.Errorf("execution %d in %s: %w", id, rec.CurrentState, model.ErrTerminalState)
	}
	if !edgeAllowed(rec.CurrentState, to) {
		return nil, fmt.Errorf("execution %d: %s -> %s: %w", id, rec.CurrentState, to, model.ErrIllegalTransition)
	}

	now := m.now()
	updates := map[string]interface{}{
		"current_state":    to,
		"state_entered_at": now,
	}
	if opts.Error != nil {
		updates["last_error"] = *opts.Error
	}
	if opts.ErrorCode != "" {
		updates["error_code"] = opts.ErrorCode
	}
	if opts.Recoverable != nil {
		updates["recoverable"] = *opts.Recoverable
	}

	tr := &model.StateTransition{
		FromState: rec.CurrentState,
		ToState:   to,
		Trigger:   trigger,
		Reason:    opts.Reason,
		Context:   opts.Context,
		Error:     opts.Error,
	}

	if err := m.repo.ApplyTransition(ctx, id, updates, tr); err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"execution_id": id,
		"from":         rec.CurrentState,
		"to":           to,
		"trigger":      trigger,
	}).Info("execution state transition")

	rec.CurrentState = to
	rec.StateEnteredAt = now
	rec.StateHistory = append(rec.StateHistory, *tr)
	if opts.Error != nil {
		rec.LastError = opts.Error
	}
	if opts.Recoverable != nil {
		rec.Recoverable = *opts.Recoverable
	}

	if to == model.ExecStateCompleted {
		m.fireCompletionHook(ctx, rec)
	}

	return rec, nil
}

func (m *Manager) fireCompletionHook(ctx context.Context, rec *model.ExecutionRecord) {
	m.hookMu.RLock()
	hook := m.hooks[rec.OwnerType]
	m.hookMu.RUnlock()
	if hook == nil {
		return
	}

	if err := hook(ctx, rec); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"execution_id": rec.ID,
			"owner_type":   rec.OwnerType,
		}).Error("completion hook failed")
	}
}

// SetSteps replaces the full step plan of a non-terminal record.
func (m *Manager) SetSteps(ctx context.Context, id uint, steps []model.ExecutionStep) error {
	lock := m.recordLock(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if rec.CurrentState.Terminal() {
		return fmt.Errorf("execution %d in %s: %w", id, rec.CurrentState, model.ErrTerminalState)
	}

	return m.repo.ReplaceSteps(ctx, id, steps)
}

// SetApproval gates the record behind a human decision and moves it to
// awaiting_approval.
func (m *Manager) SetApproval(ctx context.Context, id uint, reason string) (*model.ExecutionRecord, error) {
	lock := m.recordLock(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.CurrentState.Terminal() {
		return nil, fmt.Errorf("execution %d in %s: %w", id, rec.CurrentState, model.ErrTerminalState)
	}
	if !edgeAllowed(rec.CurrentState, model.ExecStateAwaitingApproval) {
		return nil, fmt.Errorf("execution %d: %s -> %s: %w", id, rec.CurrentState, model.ExecStateAwaitingApproval, model.ErrIllegalTransition)
	}

	now := m.now()
	updates := map[string]interface{}{
		"current_state":     model.ExecStateAwaitingApproval,
		"state_entered_at":  now,
		"requires_approval": true,
		"approval_reason":   reason,
	}
	tr := &model.StateTransition{
		FromState: rec.CurrentState,
		ToState:   model.ExecStateAwaitingApproval,
		Trigger:   "approval_required",
		Reason:    reason,
	}
	if err := m.repo.ApplyTransition(ctx, id, updates, tr); err != nil {
		return nil, err
	}

	rec.CurrentState = model.ExecStateAwaitingApproval
	rec.StateEnteredAt = now
	rec.RequiresApproval = true
	rec.ApprovalReason = reason
	return rec, nil
}

// Approve releases an awaiting record into executing, recording who
// approved it. Legal only while awaiting_approval.
func (m *Manager) Approve(ctx context.Context, id uint, approver string) (*model.ExecutionRecord, error) {
	lock := m.recordLock(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.CurrentState != model.ExecStateAwaitingApproval {
		return nil, fmt.Errorf("execution %d in %s: %w", id, rec.CurrentState, model.ErrIllegalTransition)
	}

	now := m.now()
	updates := map[string]interface{}{
		"current_state":    model.ExecStateExecuting,
		"state_entered_at": now,
		"approved_by":      approver,
		"approved_at":      now,
	}
	tr := &model.StateTransition{
		FromState: rec.CurrentState,
		ToState:   model.ExecStateExecuting,
		Trigger:   "approved",
		Reason:    "approved by " + approver,
	}
	if err := m.repo.ApplyTransition(ctx, id, updates, tr); err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"execution_id": id,
		"approver":     approver,
	}).Info("execution approved")

	rec.CurrentState = model.ExecStateExecuting
	rec.StateEnteredAt = now
	rec.ApprovedBy = approver
	rec.ApprovedAt = &now
	return rec, nil
}

// Reject cancels an awaiting record. Legal only while awaiting_approval.
func (m *Manager) Reject(ctx context.Context, id uint, reason string) (*model.ExecutionRecord, error) {
	lock := m.recordLock(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.CurrentState != model.ExecStateAwaitingApproval {
		return nil, fmt.Errorf("execution %d in %s: %w", id, rec.CurrentState, model.ErrIllegalTransition)
	}

	return m.transitionLocked(ctx, id, model.ExecStateCancelled, "rejected", TransitionOpts{Reason: reason})
}

// Complete terminates the record successfully, with an optional result
// payload kept in the audit entry.
func (m *Manager) Complete(ctx context.Context, id uint, result model.Payload) (*model.ExecutionRecord, error) {
	return m.Transition(ctx, id, model.ExecStateCompleted, "completed", TransitionOpts{Context: result})
}

// Fail always terminates the record. Recoverable is advisory to the
// producer, not enforced here.
func (m *Manager) Fail(ctx context.Context, id uint, errMsg, code string, recoverable bool) (*model.ExecutionRecord, error) {
	return m.Transition(ctx, id, model.ExecStateFailed, "failed", TransitionOpts{
		Error:       &errMsg,
		ErrorCode:   code,
		Recoverable: &recoverable,
	})
}

// AddDecision appends an explainability entry to the record.
func (m *Manager) AddDecision(ctx context.Context, id uint, stage, summary string, confidence *float64, context model.Payload) error {
	return m.repo.AppendDecision(ctx, &model.AgentDecision{
		ExecutionRecordID: id,
		Stage:             stage,
		Summary:           summary,
		Confidence:        confidence,
		Context:           context,
	})
}

// ExpireStale forces records that sat in a non-terminal state longer than
// maxAge into an unrecoverable failure. Returns how many were expired.
func (m *Manager) ExpireStale(ctx context.Context, now time.Time, maxAge time.Duration) (int, error) {
	stale, err := m.repo.FindStale(ctx, now.Add(-maxAge), 0)
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range stale {
		if _, err := m.Fail(ctx, stale[i].ID, "execution exceeded tick timeout", "tick_timeout", false); err != nil {
			m.logger.WithError(err).WithField("execution_id", stale[i].ID).
				Error("failed to expire stale execution")
			continue
		}
		expired++
	}

	if expired > 0 {
		m.logger.WithField("expired", expired).Warn("stale executions forced to failed")
	}

	return expired, nil
}
