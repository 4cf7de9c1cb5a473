package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultReconcileSLA is the slaThreshold ReconcileStalled runs with when the
// caller does not supply one (the periodic reconciliation loop's default).
const DefaultReconcileSLA = 30 * time.Minute

// StuckInstance describes a workflow parked in awaiting_approval past its SLA.
type StuckInstance struct {
	WorkflowID string
	State      State
	StuckSince time.Time
}

// ReconcileStalled scans every instance parked in awaiting_approval and
// escalates any that has sat there longer than slaThreshold without an
// approval or denial arriving. awaiting_approval is the one state an
// external approver, rather than the kernel itself, can leave hanging
// indefinitely, so it is the only state the sweep considers.
func (o *Orchestrator) ReconcileStalled(ctx context.Context, slaThreshold time.Duration, log *zap.Logger) []StuckInstance {
	if log == nil {
		log = o.log
	}
	if slaThreshold <= 0 {
		slaThreshold = DefaultReconcileSLA
	}

	o.mu.Lock()
	candidates := make([]*Instance, 0)
	for _, inst := range o.instances {
		if inst.CurrentState == StateAwaitingApproval && time.Since(inst.lastAdvanceAt) > slaThreshold {
			candidates = append(candidates, inst)
		}
	}
	o.mu.Unlock()

	var stuck []StuckInstance
	for _, inst := range candidates {
		stuck = append(stuck, StuckInstance{WorkflowID: inst.ID, State: inst.CurrentState, StuckSince: inst.lastAdvanceAt})
		if _, err := o.Escalate(inst.ID, "system:reconciler", "operations"); err != nil {
			log.Warn("stalled workflow reconciliation failed", zap.String("workflowId", inst.ID), zap.Error(err))
			continue
		}
		log.Info("stalled workflow escalated", zap.String("workflowId", inst.ID), zap.String("state", string(inst.CurrentState)))
	}
	return stuck
}
