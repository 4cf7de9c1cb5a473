// Package governance evaluates transactions against spending limits, rate
// caps, and anomaly heuristics, and owns the ApprovalRequest lifecycle. Rate
// counting prefers a Redis-backed fixed-window counter (shared across
// replicas; the window starts at the first check and resets when its key
// expires, so it is not a sliding window) and falls back to an in-process
// golang.org/x/time/rate token bucket when Redis is unset.
package governance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/occam/orchestration-kernel/internal/audit"
	"github.com/occam/orchestration-kernel/internal/occamerr"
	"github.com/occam/orchestration-kernel/internal/schema"
)

// validate is the structural-validation entry point every TransactionContext
// crossing into ValidateTransaction passes through first.
var validate = schema.New()

type SpendingLimits struct {
	MaxTxnAmount      decimal.Decimal
	ApprovalThreshold decimal.Decimal
	DailyLimit        decimal.Decimal
	Currency          string
}

type RateLimit struct {
	WindowSeconds    int64
	MaxTxnsPerWindow int64
}

type AnomalyConfig struct {
	UnusualAmountMultiplier decimal.Decimal
	RapidCount              int64
	RapidWindowSeconds      int64
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

type ApprovalRequest struct {
	ID            string
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
	RequestedBy   string
	RequestedAt   time.Time
	ExpiresAt     time.Time
	Status        ApprovalStatus
	Approver      string
	DecidedAt     *time.Time
	Reason        string
}

type TransactionContext struct {
	TxnID     string `validate:"required"`
	EntityID  string `validate:"required"`
	Amount    decimal.Decimal
	Currency  string `validate:"required,len=3"`
	Timestamp time.Time
	Metadata  map[string]string
}

// Decision is the result of ValidateTransaction.
type Decision struct {
	Allowed           bool
	RequiresApproval  bool
	Violations        []occamerr.Violation
	Warnings          []string
	ApprovalRequestID string
}

type txnRecord struct {
	amount    decimal.Decimal
	timestamp time.Time
}

// Engine is the governance evaluator. One Engine instance tracks history for
// every entity it sees, keyed per entity; a single Engine-wide mutex guards
// all of it, so checks on different entities still serialize.
type Engine struct {
	mu          sync.Mutex
	limits      SpendingLimits
	rateLimit   RateLimit
	anomaly     AnomalyConfig
	approvalTTL time.Duration

	history   map[string][]txnRecord
	approvals map[string]*ApprovalRequest

	redisClient *redis.Client
	fallback    map[string]*rate.Limiter

	auditLog *audit.Log
	log      *zap.Logger
}

type Config struct {
	Limits      SpendingLimits
	RateLimit   RateLimit
	Anomaly     AnomalyConfig
	ApprovalTTL time.Duration
}

func New(cfg Config, redisClient *redis.Client, auditLog *audit.Log, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ApprovalTTL == 0 {
		cfg.ApprovalTTL = 24 * time.Hour
	}
	return &Engine{
		limits: cfg.Limits, rateLimit: cfg.RateLimit, anomaly: cfg.Anomaly, approvalTTL: cfg.ApprovalTTL,
		history: make(map[string][]txnRecord), approvals: make(map[string]*ApprovalRequest),
		redisClient: redisClient, fallback: make(map[string]*rate.Limiter),
		auditLog: auditLog, log: log,
	}
}

// ValidateTransaction runs the full governance check, collecting every
// non-short-circuiting violation rather than stopping at the first.
func (e *Engine) ValidateTransaction(ctx context.Context, tc TransactionContext) (*Decision, error) {
	if _, err := validate.Validate(&tc); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	d := &Decision{Allowed: true}

	if tc.Amount.GreaterThan(e.limits.MaxTxnAmount) {
		d.Allowed = false
		d.Violations = append(d.Violations, occamerr.Violation{Policy: "spending-limit-max", Severity: "blocking"})
	}

	if tc.Amount.GreaterThanOrEqual(e.limits.ApprovalThreshold) {
		d.RequiresApproval = true
	}

	todaySum := e.sumToday(tc.EntityID, tc.Timestamp)
	if todaySum.Add(tc.Amount).GreaterThan(e.limits.DailyLimit) {
		d.Allowed = false
		d.Violations = append(d.Violations, occamerr.Violation{Policy: "spending-limit-daily", Severity: "blocking"})
	}

	windowCount, err := e.windowCount(ctx, tc.EntityID, tc.Timestamp)
	if err != nil {
		return nil, err
	}
	if windowCount >= e.rateLimit.MaxTxnsPerWindow {
		d.Allowed = false
		d.Violations = append(d.Violations, occamerr.Violation{Policy: "rate-limit", Severity: "blocking"})
	}

	e.evaluateAnomalies(tc, d)

	// A blocked transaction is rejected outright; it never goes to an approver.
	if !d.Allowed {
		d.RequiresApproval = false
	}

	if d.RequiresApproval && d.Allowed {
		req := &ApprovalRequest{
			ID: uuid.NewString(), TransactionID: tc.TxnID, Amount: tc.Amount, Currency: tc.Currency,
			RequestedBy: tc.EntityID, RequestedAt: time.Now().UTC(), Status: ApprovalPending,
		}
		req.ExpiresAt = req.RequestedAt.Add(e.approvalTTL)
		e.approvals[req.ID] = req
		d.ApprovalRequestID = req.ID
	}

	if e.auditLog != nil {
		for _, v := range d.Violations {
			_, _ = e.auditLog.Append(audit.Event{
				EventType: "governance", Severity: audit.SeverityWarning, EntityID: tc.EntityID,
				Action: "governance.violation", Description: v.Policy, Result: audit.ResultFailure,
			})
		}
		for _, w := range d.Warnings {
			kind, severity := splitWarning(w)
			auditSev := audit.SeverityWarning // medium anomalies surface as warnings
			if severity == "high" {
				auditSev = audit.SeverityHigh
			}
			_, _ = e.auditLog.LogAnomaly(tc.EntityID, kind, auditSev, w)
		}
	}

	return d, nil
}

// splitWarning decomposes a "kind:severity" warning string.
func splitWarning(w string) (kind, severity string) {
	if i := strings.LastIndex(w, ":"); i >= 0 {
		return w[:i], w[i+1:]
	}
	return w, "medium"
}

func (e *Engine) sumToday(entityID string, asOf time.Time) decimal.Decimal {
	sum := decimal.Zero
	start := time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, asOf.Location())
	for _, r := range e.history[entityID] {
		if !r.timestamp.Before(start) && !r.timestamp.After(asOf) {
			sum = sum.Add(r.amount)
		}
	}
	return sum
}

func (e *Engine) windowCount(ctx context.Context, entityID string, asOf time.Time) (int64, error) {
	window := time.Duration(e.rateLimit.WindowSeconds) * time.Second
	if e.redisClient != nil {
		key := fmt.Sprintf("occam:governance:rate:%s", entityID)
		count, err := e.redisClient.Incr(ctx, key).Result()
		if err != nil {
			return 0, occamerr.NewInternal("governance redis incr failed", err)
		}
		if count == 1 {
			e.redisClient.Expire(ctx, key, window)
		}
		return count - 1, nil // -1: this check happens before recording the current txn
	}
	// No Redis configured: fall back to an in-process token bucket per
	// entity, the same per-key limiter-map pattern the auth rate limiter
	// uses. AllowN consumes a token for this check the same way the Redis
	// branch's Incr does, so both branches charge one slot per validation.
	lim := e.fallbackLimiter(entityID)
	if !lim.AllowN(asOf, 1) {
		return e.rateLimit.MaxTxnsPerWindow, nil
	}
	return e.rateLimit.MaxTxnsPerWindow - 1, nil
}

// fallbackLimiter returns (creating if necessary) the token bucket backing
// entityID: maxTxnsPerWindow tokens refilled evenly over windowSeconds.
func (e *Engine) fallbackLimiter(entityID string) *rate.Limiter {
	if lim, ok := e.fallback[entityID]; ok {
		return lim
	}
	burst := int(e.rateLimit.MaxTxnsPerWindow)
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if e.rateLimit.WindowSeconds > 0 && e.rateLimit.MaxTxnsPerWindow > 0 {
		limit = rate.Every(time.Duration(e.rateLimit.WindowSeconds) * time.Second / time.Duration(e.rateLimit.MaxTxnsPerWindow))
	}
	lim := rate.NewLimiter(limit, burst)
	e.fallback[entityID] = lim
	return lim
}

func (e *Engine) evaluateAnomalies(tc TransactionContext, d *Decision) {
	hist := e.history[tc.EntityID]
	if len(hist) > 0 {
		avg := decimal.Zero
		for _, r := range hist {
			avg = avg.Add(r.amount)
		}
		avg = avg.Div(decimal.NewFromInt(int64(len(hist))))
		if !avg.IsZero() && tc.Amount.GreaterThan(avg.Mul(e.anomaly.UnusualAmountMultiplier)) {
			severity := "medium"
			if tc.Amount.GreaterThan(avg.Mul(e.anomaly.UnusualAmountMultiplier.Mul(decimal.NewFromInt(5)))) {
				severity = "high"
			}
			d.Warnings = append(d.Warnings, "unusual-amount:"+severity)
			if severity == "high" {
				d.RequiresApproval = true
			}
		}
	}

	rapidCutoff := tc.Timestamp.Add(-time.Duration(e.anomaly.RapidWindowSeconds) * time.Second)
	var rapid int64
	for _, r := range hist {
		if r.timestamp.After(rapidCutoff) {
			rapid++
		}
	}
	if rapid >= e.anomaly.RapidCount {
		d.Warnings = append(d.Warnings, "rapid-transactions:high")
		d.RequiresApproval = true
	}

	dupCutoff := tc.Timestamp.Add(-5 * time.Minute)
	for _, r := range hist {
		if r.timestamp.After(dupCutoff) && r.amount.Equal(tc.Amount) {
			d.Warnings = append(d.Warnings, "duplicate-amount:medium")
			break
		}
	}
}

// RecordTransaction appends tc to the entity's history for future checks.
func (e *Engine) RecordTransaction(_ context.Context, tc TransactionContext) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history[tc.EntityID] = append(e.history[tc.EntityID], txnRecord{amount: tc.Amount, timestamp: tc.Timestamp})
}

// ApprovalDecisionInput carries one approver's verdict on a pending request.
type ApprovalDecisionInput struct {
	RequestID string
	Approver  string
	Approve   bool
	Reason    string
}

// ProcessApproval resolves a pending ApprovalRequest. A request observed past
// its expiry is first flipped to expired, then rejected as Conflict.
func (e *Engine) ProcessApproval(in ApprovalDecisionInput) (*ApprovalRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, ok := e.approvals[in.RequestID]
	if !ok {
		return nil, occamerr.NewNotFound("approval request not found: " + in.RequestID)
	}

	if req.Status == ApprovalPending && time.Now().After(req.ExpiresAt) {
		req.Status = ApprovalExpired
	}
	if req.Status != ApprovalPending {
		if e.auditLog != nil {
			_, _ = e.auditLog.LogApproval(req.ID, string(req.Status), in.Approver, "already decided or expired")
		}
		return nil, occamerr.NewConflict(fmt.Sprintf("approval request %s is %s", req.ID, req.Status))
	}

	now := time.Now().UTC()
	req.DecidedAt = &now
	req.Approver = in.Approver
	req.Reason = in.Reason
	if in.Approve {
		req.Status = ApprovalApproved
	} else {
		req.Status = ApprovalDenied
	}

	if e.auditLog != nil {
		_, _ = e.auditLog.LogApproval(req.ID, string(req.Status), in.Approver, in.Reason)
	}
	return req, nil
}

// GetApproval returns the current state of a request, auto-expiring it first
// if observed past its deadline.
func (e *Engine) GetApproval(id string) (*ApprovalRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.approvals[id]
	if !ok {
		return nil, occamerr.NewNotFound("approval request not found: " + id)
	}
	if req.Status == ApprovalPending && time.Now().After(req.ExpiresAt) {
		req.Status = ApprovalExpired
	}
	cp := *req
	return &cp, nil
}

// UpdateLimits atomically replaces the governance configuration and audits
// the change as a configuration.changed event.
func (e *Engine) UpdateLimits(actor string, limits SpendingLimits, rl RateLimit, anomaly AnomalyConfig) error {
	e.mu.Lock()
	e.limits, e.rateLimit, e.anomaly = limits, rl, anomaly
	e.fallback = make(map[string]*rate.Limiter)
	e.mu.Unlock()

	if e.auditLog != nil {
		_, err := e.auditLog.Append(audit.Event{
			EventType: "configuration", Severity: audit.SeverityInfo, ActorID: actor,
			Action: "configuration.changed", Result: audit.ResultSuccess,
		})
		return err
	}
	return nil
}
