// Package factbox is the kernel's verified read source for entity KYC status
// and registration lifecycle, cached in memory ahead of whatever durable
// store fronts it in production. Modeled on the repository-interface
// convention the rest of the domain uses: operations return typed records
// via context.Context, never raw rows.
package factbox

import (
	"context"
	"sync"
	"time"

	"github.com/occam/orchestration-kernel/internal/occamerr"
)

type KYCStatus string

const (
	KYCNone     KYCStatus = "none"
	KYCPending  KYCStatus = "pending"
	KYCVerified KYCStatus = "verified"
	KYCRejected KYCStatus = "rejected"
)

type RegistrationStatus string

const (
	RegistrationActive    RegistrationStatus = "active"
	RegistrationInactive  RegistrationStatus = "inactive"
	RegistrationSuspended RegistrationStatus = "suspended"
)

type Registration struct {
	Type           string             `json:"type"`
	Jurisdiction   string             `json:"jurisdiction"`
	Status         RegistrationStatus `json:"status"`
	IssueDate      time.Time          `json:"issueDate"`
	ExpirationDate *time.Time         `json:"expirationDate,omitempty"`
}

type Entity struct {
	EntityID      string         `json:"entityId"`
	Kind          string         `json:"kind"`
	KYCStatus     KYCStatus      `json:"kycStatus"`
	Registrations []Registration `json:"registrations"`
}

// ExpiringRegistration pairs a registration with the entity it belongs to.
type ExpiringRegistration struct {
	EntityID     string
	Registration Registration
}

// FactBox caches verified entity facts behind an RWMutex.
type FactBox struct {
	mu       sync.RWMutex
	entities map[string]*Entity
	rules    map[string][]string // jurisdiction -> required registration types
}

func New() *FactBox {
	return &FactBox{entities: make(map[string]*Entity), rules: make(map[string][]string)}
}

// UpsertEntity atomically replaces (or inserts) the cached record for e.EntityID.
func (f *FactBox) UpsertEntity(_ context.Context, e Entity) error {
	if e.EntityID == "" {
		return occamerr.NewInvalid("entityId", "entityId is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := e
	f.entities[e.EntityID] = &cp
	return nil
}

// GetEntity returns the cached entity, or NotFound.
func (f *FactBox) GetEntity(_ context.Context, id string) (*Entity, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.entities[id]
	if !ok {
		return nil, occamerr.NewNotFound("entity not found: " + id)
	}
	cp := *e
	return &cp, nil
}

// VerifyKyc reports whether id's cached KYC status is verified.
func (f *FactBox) VerifyKyc(ctx context.Context, id string) (bool, error) {
	e, err := f.GetEntity(ctx, id)
	if err != nil {
		return false, err
	}
	return e.KYCStatus == KYCVerified, nil
}

// HasRequiredRegistrations reports whether every type in requiredTypes is
// present among id's active registrations for jurisdiction. A nil/empty
// requiredTypes falls back to the jurisdiction's rule set from UpsertRules.
func (f *FactBox) HasRequiredRegistrations(ctx context.Context, id, jurisdiction string, requiredTypes []string) (bool, error) {
	if len(requiredTypes) == 0 {
		requiredTypes = f.RequiredTypes(jurisdiction)
	}
	e, err := f.GetEntity(ctx, id)
	if err != nil {
		return false, err
	}
	have := make(map[string]bool)
	for _, r := range e.Registrations {
		if r.Jurisdiction == jurisdiction && r.Status == RegistrationActive {
			have[r.Type] = true
		}
	}
	for _, t := range requiredTypes {
		if !have[t] {
			return false, nil
		}
	}
	return true, nil
}

// GetExpiringRegistrations returns registrations expiring within
// [now, now+daysAhead] that have not yet expired.
func (f *FactBox) GetExpiringRegistrations(_ context.Context, daysAhead int) []ExpiringRegistration {
	f.mu.RLock()
	defer f.mu.RUnlock()

	now := time.Now().UTC()
	horizon := now.AddDate(0, 0, daysAhead)
	var out []ExpiringRegistration
	for id, e := range f.entities {
		for _, r := range e.Registrations {
			if r.ExpirationDate == nil {
				continue
			}
			if r.ExpirationDate.After(now) && !r.ExpirationDate.After(horizon) {
				out = append(out, ExpiringRegistration{EntityID: id, Registration: r})
			}
		}
	}
	return out
}

// GetExpiredRegistrations returns registrations whose expiration is strictly
// in the past but whose status is still active (stale data not yet reconciled).
func (f *FactBox) GetExpiredRegistrations(_ context.Context) []ExpiringRegistration {
	f.mu.RLock()
	defer f.mu.RUnlock()

	now := time.Now().UTC()
	var out []ExpiringRegistration
	for id, e := range f.entities {
		for _, r := range e.Registrations {
			if r.ExpirationDate == nil {
				continue
			}
			if r.ExpirationDate.Before(now) && r.Status == RegistrationActive {
				out = append(out, ExpiringRegistration{EntityID: id, Registration: r})
			}
		}
	}
	return out
}

// UpsertRules atomically replaces the required-registration rule set,
// keyed by jurisdiction, that HasRequiredRegistrations falls back to when
// called without an explicit requiredTypes list.
func (f *FactBox) UpsertRules(_ context.Context, rules map[string][]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make(map[string][]string, len(rules))
	for jurisdiction, types := range rules {
		cp[jurisdiction] = append([]string(nil), types...)
	}
	f.rules = cp
	return nil
}

// RequiredTypes returns the registration types UpsertRules last recorded for
// jurisdiction, or nil if none were ever set.
func (f *FactBox) RequiredTypes(jurisdiction string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.rules[jurisdiction]...)
}
