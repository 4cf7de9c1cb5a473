// Package workflow implements the state machine driving a compliance
// artifact from draft to closure: a declarative transition table,
// per-instance locking, and side-effect sequencing with an audit record for
// every outcome, successful or not.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/occam/orchestration-kernel/internal/audit"
	"github.com/occam/orchestration-kernel/internal/governance"
	"github.com/occam/orchestration-kernel/internal/notification"
	"github.com/occam/orchestration-kernel/internal/occamerr"
	"github.com/occam/orchestration-kernel/internal/schema"
	"github.com/occam/orchestration-kernel/internal/telemetry"
	"github.com/occam/orchestration-kernel/internal/vault"
)

var validate = schema.New()

type State string

const (
	StateDraft            State = "draft"
	StatePendingReview    State = "pending_review"
	StateValidating       State = "validating"
	StateAwaitingApproval State = "awaiting_approval"
	StateApproved         State = "approved"
	StateDenied           State = "denied"
	StateSubmitted        State = "submitted"
	StateConfirmed        State = "confirmed"
	StateFailed           State = "failed"
	StateClosed           State = "closed"
	StateEscalated        State = "escalated"
)

// transitions is the default state machine. "advance" is the generic
// forward event; the validating→{approved,awaiting_approval} fork is resolved
// dynamically by the governance guard, not by this table alone.
var transitions = map[State]map[string]State{
	StateDraft:            {"advance": StatePendingReview},
	StatePendingReview:    {"advance": StateValidating},
	StateValidating:       {"advance": StateApproved},
	StateAwaitingApproval: {"approval.granted": StateApproved, "approval.denied": StateDenied},
	StateApproved:         {"advance": StateSubmitted},
	StateSubmitted:        {"advance": StateConfirmed, "fail": StateFailed},
	StateConfirmed:        {"close": StateClosed},
	StateFailed:           {"retry": StateSubmitted, "close": StateClosed},
	StateDenied:           {},
	StateClosed:           {},
	StateEscalated:        {},
}

// decisionNodeEventType maps the state a transition lands in to the telemetry
// event type for its decision node. The payment-processing node is emitted
// separately, around the governance evaluation on the validating fork.
var decisionNodeEventType = map[State]string{
	StatePendingReview: "data-ingestion",
	StateValidating:    "validation-check",
	StateApproved:      "form-generation",
	StateSubmitted:     "submission-attempt",
	StateConfirmed:     "confirmation-received",
}

func IsTerminal(s State) bool { return s == StateClosed || s == StateDenied }

func resolve(current State, event string) (State, bool) {
	if next, ok := transitions[current][event]; ok {
		return next, true
	}
	if event == "escalate" && !IsTerminal(current) && current != StateEscalated {
		return StateEscalated, true
	}
	return "", false
}

// StateTransition is the only mutation of a WorkflowInstance's CurrentState.
type StateTransition struct {
	From              State     `json:"from"`
	To                State     `json:"to"`
	Actor             string    `json:"actor"`
	Reason            string    `json:"reason"`
	Timestamp         time.Time `json:"timestamp"`
	ApprovalRequestID string    `json:"approvalRequestId,omitempty"`
}

// Instance is a running WorkflowInstance.
type Instance struct {
	ID            string
	EntityID      string
	PolicyID      string
	PolicyVersion string
	CurrentState  State
	History       []StateTransition
	StartedAt     time.Time
	ClosedAt      *time.Time

	pendingApprovalReqID string
	lastAdvanceAt        time.Time
}

// AdvanceInput is one request to move a workflow forward.
type AdvanceInput struct {
	WorkflowID string `validate:"required"`
	Event      string `validate:"required"`
	Actor      string `validate:"required"`
	Reason     string

	// Transaction, when set, is evaluated by governance on the
	// validating→approved/awaiting_approval edge.
	Transaction *governance.TransactionContext
	// Notify, when set, is dispatched as a side effect of this transition.
	Notify *notification.Message
	// VaultCredentialID, when set, is resolved as a side effect (e.g. to hand
	// a credential to an external submission step).
	VaultCredentialID string
}

// AdvanceResult reports the workflow's state after processing the request.
type AdvanceResult struct {
	State             State
	ApprovalRequestID string
}

const maxSideEffectAttempts = 3

// Orchestrator owns every WorkflowInstance. Advances on different workflows
// run fully concurrently; a per-workflowId lock serializes advances on the
// same instance.
type Orchestrator struct {
	mu        sync.Mutex
	instances map[string]*Instance
	locks     map[string]*sync.Mutex

	auditLog   *audit.Log
	telemetry  *telemetry.Telemetry
	governance *governance.Engine
	vault      *vault.Vault
	notifier   *notification.Dispatcher
	log        *zap.Logger
}

func NewOrchestrator(auditLog *audit.Log, tel *telemetry.Telemetry, gov *governance.Engine, v *vault.Vault, notifier *notification.Dispatcher, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		instances:  make(map[string]*Instance),
		locks:      make(map[string]*sync.Mutex),
		auditLog:   auditLog,
		telemetry:  tel,
		governance: gov,
		vault:      v,
		notifier:   notifier,
		log:        log,
	}
}

// Create starts a new WorkflowInstance in the draft state.
func (o *Orchestrator) Create(entityID, policyID, policyVersion string) *Instance {
	o.mu.Lock()
	defer o.mu.Unlock()

	inst := &Instance{
		ID: uuid.NewString(), EntityID: entityID, PolicyID: policyID, PolicyVersion: policyVersion,
		CurrentState: StateDraft, StartedAt: time.Now().UTC(), lastAdvanceAt: time.Now().UTC(),
	}
	o.instances[inst.ID] = inst
	o.locks[inst.ID] = &sync.Mutex{}
	return inst
}

func (o *Orchestrator) lockFor(workflowID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[workflowID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[workflowID] = l
	}
	return l
}

// Status returns a copy of the instance's current state and history.
func (o *Orchestrator) Status(workflowID string) (*Instance, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	inst, ok := o.instances[workflowID]
	if !ok {
		return nil, occamerr.NewNotFound("workflow not found: " + workflowID)
	}
	cp := *inst
	cp.History = append([]StateTransition{}, inst.History...)
	return &cp, nil
}

// History returns the full transition history for a workflow.
func (o *Orchestrator) History(workflowID string) ([]StateTransition, error) {
	inst, err := o.Status(workflowID)
	if err != nil {
		return nil, err
	}
	return inst.History, nil
}

// Advance processes one transition request against workflowID's current state.
func (o *Orchestrator) Advance(ctx context.Context, in AdvanceInput) (*AdvanceResult, error) {
	if _, err := validate.Validate(&in); err != nil {
		return nil, err
	}

	lock := o.lockFor(in.WorkflowID)
	lock.Lock()
	defer lock.Unlock()

	o.mu.Lock()
	inst, ok := o.instances[in.WorkflowID]
	o.mu.Unlock()
	if !ok {
		return nil, occamerr.NewNotFound("workflow not found: " + in.WorkflowID)
	}
	if IsTerminal(inst.CurrentState) {
		return nil, occamerr.NewConflict("workflow is closed: " + in.WorkflowID)
	}

	if err := ctx.Err(); err != nil {
		o.auditCancelled(inst, in.Actor, err)
		return nil, mapCtxErr(err)
	}

	toState, ok := resolve(inst.CurrentState, in.Event)
	if !ok {
		if o.auditLog != nil {
			_, _ = o.auditLog.LogStateTransition(inst.ID, string(inst.CurrentState), string(inst.CurrentState), in.Actor, "invalid transition: "+in.Event, "", false)
		}
		return nil, occamerr.NewInvalid("event", fmt.Sprintf("no transition for (%s, %s)", inst.CurrentState, in.Event))
	}

	var approvalRequestID string

	// Governance guard on the validating fork.
	if inst.CurrentState == StateValidating && in.Event == "advance" && o.governance != nil && in.Transaction != nil {
		govStart := time.Now()
		decision, err := o.governance.ValidateTransaction(ctx, *in.Transaction)
		if o.telemetry != nil {
			o.telemetry.LogEvent(telemetry.DecisionEvent{
				EventType: "payment-processing", AgentID: in.Actor,
				LatencyMs: float64(time.Since(govStart).Milliseconds()),
				Success:   err == nil && decision.Allowed, Severity: "info",
			})
		}
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			return nil, occamerr.NewPolicyViolation(decision.Violations)
		}
		if decision.RequiresApproval {
			toState = StateAwaitingApproval
			approvalRequestID = decision.ApprovalRequestID
			inst.pendingApprovalReqID = approvalRequestID
		}
		o.governance.RecordTransaction(ctx, *in.Transaction)
	}

	// Resolve the pending approval request id when completing an approval edge.
	if inst.CurrentState == StateAwaitingApproval {
		approvalRequestID = inst.pendingApprovalReqID
		inst.pendingApprovalReqID = ""
	}

	// Side effects: vault credential resolution and notification dispatch.
	if in.VaultCredentialID != "" && o.vault != nil {
		if _, err := o.vault.Get(in.VaultCredentialID); err != nil {
			o.auditSideEffect(inst, "vault.resolve", false, err.Error())
			return nil, err
		}
		o.auditSideEffect(inst, "vault.resolve", true, "")
	}

	if in.Notify != nil && o.notifier != nil {
		result, err := o.dispatchWithRetry(ctx, *in.Notify)
		success := err == nil && result.Status == notification.StatusSent
		reason := ""
		if !success {
			reason = result.FailureReason
		}
		if o.auditLog != nil {
			_, _ = o.auditLog.LogNotification(inst.ID, string(in.Notify.Channel), in.Notify.Recipient, success, reason)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			// Cancelled mid-dispatch: the notification attempt above is
			// already audited and is not rolled back.
			o.auditCancelled(inst, in.Actor, ctxErr)
			return nil, mapCtxErr(ctxErr)
		}
		if !success {
			// Exhausted retries: move to failed rather than commit the
			// originally requested transition.
			return o.commit(inst, StateFailed, in.Actor, "notification delivery exhausted retries", "")
		}
	}

	return o.commit(inst, toState, in.Actor, in.Reason, approvalRequestID)
}

func (o *Orchestrator) commit(inst *Instance, toState State, actor, reason, approvalRequestID string) (*AdvanceResult, error) {
	from := inst.CurrentState
	now := time.Now().UTC()
	since := inst.lastAdvanceAt

	inst.History = append(inst.History, StateTransition{
		From: from, To: toState, Actor: actor, Reason: reason, Timestamp: now, ApprovalRequestID: approvalRequestID,
	})
	inst.CurrentState = toState
	inst.lastAdvanceAt = now
	if IsTerminal(toState) {
		inst.ClosedAt = &now
	}

	if o.auditLog != nil {
		_, _ = o.auditLog.LogStateTransition(inst.ID, string(from), string(toState), actor, reason, approvalRequestID, true)
	}
	if o.telemetry != nil {
		if eventType, ok := decisionNodeEventType[toState]; ok {
			latency := float64(now.Sub(since).Milliseconds())
			o.telemetry.LogEvent(telemetry.DecisionEvent{
				EventType: eventType, AgentID: actor, LatencyMs: latency, Success: true, Severity: "info",
			})
		}
	}
	return &AdvanceResult{State: toState, ApprovalRequestID: approvalRequestID}, nil
}

// mapCtxErr translates a context error into the kernel's Timeout/Cancelled kinds.
func mapCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return occamerr.NewTimeout("workflow advance deadline exceeded")
	}
	return occamerr.NewCancelled("workflow advance cancelled")
}

func (o *Orchestrator) auditCancelled(inst *Instance, actor string, cause error) {
	if o.auditLog == nil {
		return
	}
	_, _ = o.auditLog.Append(audit.Event{
		EventType: "cancellation", Severity: audit.SeverityWarning, WorkflowID: inst.ID,
		Action: "cancelled", ActorID: actor, Description: cause.Error(), Result: audit.ResultFailure,
	})
}

func (o *Orchestrator) auditSideEffect(inst *Instance, action string, success bool, reason string) {
	if o.auditLog == nil {
		return
	}
	result := audit.ResultSuccess
	if !success {
		result = audit.ResultFailure
	}
	_, _ = o.auditLog.Append(audit.Event{
		EventType: "side_effect", Severity: audit.SeverityInfo, WorkflowID: inst.ID,
		Action: action, Result: result, ErrorMessage: reason,
	})
}

// dispatchWithRetry retries notification delivery with exponential backoff up
// to maxSideEffectAttempts; validation/governance failures are never retried
// here because they never reach this call.
func (o *Orchestrator) dispatchWithRetry(ctx context.Context, msg notification.Message) (notification.DeliveryResult, error) {
	var lastResult notification.DeliveryResult
	var lastErr error
	backoff := 200 * time.Millisecond
	for attempt := 1; attempt <= maxSideEffectAttempts; attempt++ {
		lastResult, lastErr = o.notifier.Send(ctx, msg)
		if lastErr == nil {
			lastResult.Attempts = attempt
			return lastResult, nil
		}
		if attempt < maxSideEffectAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				lastResult.Attempts = attempt
				return lastResult, ctx.Err()
			}
			backoff *= 2
		}
	}
	lastResult.Attempts = maxSideEffectAttempts
	return lastResult, lastErr
}

// Escalate fires the escalate event from any non-terminal state and audits a
// critical event naming the escalation target.
func (o *Orchestrator) Escalate(workflowID, actor, target string) (*AdvanceResult, error) {
	lock := o.lockFor(workflowID)
	lock.Lock()
	defer lock.Unlock()

	o.mu.Lock()
	inst, ok := o.instances[workflowID]
	o.mu.Unlock()
	if !ok {
		return nil, occamerr.NewNotFound("workflow not found: " + workflowID)
	}
	toState, ok := resolve(inst.CurrentState, "escalate")
	if !ok {
		return nil, occamerr.NewConflict("workflow cannot be escalated from " + string(inst.CurrentState))
	}
	if o.auditLog != nil {
		_, _ = o.auditLog.Append(audit.Event{
			EventType: "escalation", Severity: audit.SeverityCritical, WorkflowID: inst.ID,
			Action: "escalate", ActorID: actor, Description: "escalated to " + target, Result: audit.ResultSuccess,
		})
	}
	return o.commit(inst, toState, actor, "escalated to "+target, "")
}

// Cancel records a cancelled audit event for workflowID and returns a
// Cancelled error. It does not interrupt an Advance already running and does
// not change the workflow's state; an in-flight Advance stops only through
// its own context. Already-completed side effects are not rolled back; the
// chain records their effects for operator-driven compensation.
func (o *Orchestrator) Cancel(workflowID, actor, reason string) error {
	o.mu.Lock()
	inst, ok := o.instances[workflowID]
	o.mu.Unlock()
	if !ok {
		return occamerr.NewNotFound("workflow not found: " + workflowID)
	}
	if o.auditLog != nil {
		_, _ = o.auditLog.Append(audit.Event{
			EventType: "cancellation", Severity: audit.SeverityWarning, WorkflowID: inst.ID,
			Action: "cancelled", ActorID: actor, Description: reason, Result: audit.ResultFailure,
		})
	}
	return occamerr.NewCancelled("workflow advance cancelled: " + reason)
}
