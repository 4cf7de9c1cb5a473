package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/occam/orchestration-kernel/internal/governance"
	"github.com/occam/orchestration-kernel/internal/occamerr"
)

func newTestGovernance() *governance.Engine {
	return governance.New(governance.Config{
		Limits: governance.SpendingLimits{
			MaxTxnAmount: decimal.NewFromInt(10000), ApprovalThreshold: decimal.NewFromInt(5000),
			DailyLimit: decimal.NewFromInt(50000), Currency: "USD",
		},
		RateLimit: governance.RateLimit{WindowSeconds: 60, MaxTxnsPerWindow: 20},
		Anomaly: governance.AnomalyConfig{
			UnusualAmountMultiplier: decimal.NewFromInt(3), RapidCount: 5, RapidWindowSeconds: 300,
		},
		ApprovalTTL: 24 * time.Hour,
	}, nil, nil, nil)
}

func TestAdvance_InvalidEventReturnsInvalid(t *testing.T) {
	o := NewOrchestrator(nil, nil, nil, nil, nil, nil)
	inst := o.Create("entity-1", "policy-1", "1.0.0")

	_, err := o.Advance(context.Background(), AdvanceInput{WorkflowID: inst.ID, Event: "close", Actor: "system"})
	require.Error(t, err)
	assert.Equal(t, occamerr.Invalid, occamerr.KindOf(err))
}

func TestAdvance_DualPathWorkflow_ParksForApproval(t *testing.T) {
	gov := newTestGovernance()
	o := NewOrchestrator(nil, nil, gov, nil, nil, nil)
	inst := o.Create("entity-1", "policy-1", "1.0.0")

	ctx := context.Background()
	_, err := o.Advance(ctx, AdvanceInput{WorkflowID: inst.ID, Event: "advance", Actor: "system"})
	require.NoError(t, err) // draft -> pending_review
	_, err = o.Advance(ctx, AdvanceInput{WorkflowID: inst.ID, Event: "advance", Actor: "system"})
	require.NoError(t, err) // pending_review -> validating

	txn := &governance.TransactionContext{TxnID: "t1", EntityID: "entity-1", Amount: decimal.NewFromInt(6000), Currency: "USD", Timestamp: time.Now()}
	result, err := o.Advance(ctx, AdvanceInput{WorkflowID: inst.ID, Event: "advance", Actor: "system", Transaction: txn})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingApproval, result.State)
	require.NotEmpty(t, result.ApprovalRequestID)

	_, err = gov.ProcessApproval(governance.ApprovalDecisionInput{RequestID: result.ApprovalRequestID, Approver: "ops", Approve: true})
	require.NoError(t, err)

	result, err = o.Advance(ctx, AdvanceInput{WorkflowID: inst.ID, Event: "approval.granted", Actor: "ops"})
	require.NoError(t, err)
	assert.Equal(t, StateApproved, result.State)

	status, err := o.Status(inst.ID)
	require.NoError(t, err)
	var sawApprovalEvent bool
	for _, h := range status.History {
		if h.From == StateAwaitingApproval && h.To == StateApproved {
			sawApprovalEvent = true
			assert.Equal(t, result.ApprovalRequestID, h.ApprovalRequestID)
		}
	}
	assert.True(t, sawApprovalEvent)
}

func TestAdvance_PolicyViolationBlocksTransition(t *testing.T) {
	gov := newTestGovernance()
	o := NewOrchestrator(nil, nil, gov, nil, nil, nil)
	inst := o.Create("entity-1", "policy-1", "1.0.0")
	ctx := context.Background()

	_, _ = o.Advance(ctx, AdvanceInput{WorkflowID: inst.ID, Event: "advance", Actor: "system"})
	_, _ = o.Advance(ctx, AdvanceInput{WorkflowID: inst.ID, Event: "advance", Actor: "system"})

	txn := &governance.TransactionContext{TxnID: "t2", EntityID: "entity-1", Amount: decimal.NewFromInt(10001), Currency: "USD", Timestamp: time.Now()}
	_, err := o.Advance(ctx, AdvanceInput{WorkflowID: inst.ID, Event: "advance", Actor: "system", Transaction: txn})
	require.Error(t, err)
	assert.Equal(t, occamerr.PolicyViolation, occamerr.KindOf(err))

	status, err := o.Status(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StateValidating, status.CurrentState)
}

func TestAdvance_CancelledContextLeavesStateUnchanged(t *testing.T) {
	o := NewOrchestrator(nil, nil, nil, nil, nil, nil)
	inst := o.Create("entity-1", "policy-1", "1.0.0")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Advance(ctx, AdvanceInput{WorkflowID: inst.ID, Event: "advance", Actor: "system"})
	require.Error(t, err)
	assert.Equal(t, occamerr.Cancelled, occamerr.KindOf(err))

	status, err := o.Status(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDraft, status.CurrentState)
}

func TestEscalate_FromNonTerminalState(t *testing.T) {
	o := NewOrchestrator(nil, nil, nil, nil, nil, nil)
	inst := o.Create("entity-1", "policy-1", "1.0.0")

	result, err := o.Escalate(inst.ID, "ops", "security-team")
	require.NoError(t, err)
	assert.Equal(t, StateEscalated, result.State)
}

func TestAdvance_ClosedWorkflowRejectsFurtherAdvance(t *testing.T) {
	o := NewOrchestrator(nil, nil, nil, nil, nil, nil)
	inst := o.Create("entity-1", "policy-1", "1.0.0")
	ctx := context.Background()

	for _, event := range []string{"advance", "advance", "advance"} {
		_, err := o.Advance(ctx, AdvanceInput{WorkflowID: inst.ID, Event: event, Actor: "system"})
		require.NoError(t, err)
	}
	// draft->pending_review->validating->approved (no governance wired, default path)
	_, err := o.Advance(ctx, AdvanceInput{WorkflowID: inst.ID, Event: "advance", Actor: "system"})
	require.NoError(t, err) // approved -> submitted
	_, err = o.Advance(ctx, AdvanceInput{WorkflowID: inst.ID, Event: "advance", Actor: "system"})
	require.NoError(t, err) // submitted -> confirmed
	_, err = o.Advance(ctx, AdvanceInput{WorkflowID: inst.ID, Event: "close", Actor: "system"})
	require.NoError(t, err) // confirmed -> closed

	_, err = o.Advance(ctx, AdvanceInput{WorkflowID: inst.ID, Event: "advance", Actor: "system"})
	require.Error(t, err)
	assert.Equal(t, occamerr.Conflict, occamerr.KindOf(err))
}
