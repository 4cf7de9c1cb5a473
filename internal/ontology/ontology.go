// Package ontology maintains the versioned Policy/SOP/Section/Step/Clause
// forest. Entities reference each other by id into a flat arena rather than
// holding parent/child pointers, so traversal never walks a cyclic graph; a
// per-lineage writer lock serializes publication. Reads are not lock-free:
// they take the store's shared read lock, so they wait while a publish
// commits its snapshot.
package ontology

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/occam/orchestration-kernel/internal/occamerr"
	"github.com/occam/orchestration-kernel/internal/schema"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

type ClauseType string

const (
	ClauseRequirement    ClauseType = "requirement"
	ClauseRecommendation ClauseType = "recommendation"
	ClauseProhibition    ClauseType = "prohibition"
)

// RegulatoryCitation ties a clause to a specific regulation and jurisdiction.
type RegulatoryCitation struct {
	Regulation    string     `json:"regulation" validate:"required,min=1,max=200,safe_string"`
	Jurisdiction  string     `json:"jurisdiction" validate:"omitempty,iso_jurisdiction"`
	Section       string     `json:"section" validate:"omitempty,max=100,safe_string"`
	EffectiveFrom time.Time  `json:"effectiveFrom"`
	EffectiveTo   *time.Time `json:"effectiveTo,omitempty"`
}

type Policy struct {
	ID        string    `json:"id"`
	LineageID string    `json:"lineageId"`
	Title     string    `json:"title" occam:"role=viewer:r,compliance_officer:rw"`
	Version   string    `json:"version" validate:"omitempty,semver"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	SopIDs    []string  `json:"sopIds"`
}

type SOP struct {
	ID         string   `json:"id"`
	PolicyID   string   `json:"policyId"`
	OwnerRole  string   `json:"ownerRole"`
	Name       string   `json:"name"`
	Version    string   `json:"version"`
	SectionIDs []string `json:"sectionIds"`
}

type Section struct {
	ID      string   `json:"id"`
	SopID   string   `json:"sopId"`
	Name    string   `json:"name"`
	Order   int      `json:"order"`
	StepIDs []string `json:"stepIds"`
}

type Step struct {
	ID              string   `json:"id"`
	SectionID       string   `json:"sectionId"`
	Description     string   `json:"description"`
	ResponsibleRole string   `json:"responsibleRole"`
	Order           int      `json:"order"`
	Completed       bool     `json:"completed" occam:"role=viewer:r,analyst:rw,compliance_officer:rw"`
	ClauseIDs       []string `json:"clauseIds"`
}

type Clause struct {
	ID           string               `json:"id"`
	StepID       string               `json:"stepId"`
	Text         string               `json:"text" occam:"role=viewer:r,auditor:r,compliance_officer:rw"`
	RiskLevel    RiskLevel            `json:"riskLevel"`
	Jurisdiction string               `json:"jurisdiction"`
	Type         ClauseType           `json:"type"`
	Citations    []RegulatoryCitation `json:"citations"`
}

// Input DTOs for Build — the unvalidated shape of an incoming policy document.
type ClauseInput struct {
	Text         string               `validate:"required,min=1,max=2000,safe_string"`
	RiskLevel    RiskLevel            `validate:"required,risklevel"`
	Jurisdiction string               `validate:"omitempty,iso_jurisdiction"`
	Type         ClauseType           `validate:"required,clausetype"`
	Citations    []RegulatoryCitation `validate:"dive"`
}

type StepInput struct {
	Description     string        `validate:"required,min=1,max=500,safe_string"`
	ResponsibleRole string        `validate:"omitempty,max=100,safe_string"`
	Clauses         []ClauseInput `validate:"dive"`
}

type SectionInput struct {
	Name  string      `validate:"required,min=1,max=200,safe_string"`
	Steps []StepInput `validate:"dive"`
}

type SOPInput struct {
	OwnerRole string         `validate:"omitempty,max=100,safe_string"`
	Name      string         `validate:"required,min=1,max=200,safe_string"`
	Sections  []SectionInput `validate:"dive"`
}

type BuildInput struct {
	LineageID string     // empty starts a new lineage
	Title     string     `validate:"required,min=1,max=200,safe_string"`
	SOPs      []SOPInput `validate:"dive"`
	Seed      string     // optional — when set, ids are deterministic for equivalent inputs
}

// Tree is a fully built, not-yet-published policy snapshot.
type Tree struct {
	Policy   *Policy
	SOPs     map[string]*SOP
	Sections map[string]*Section
	Steps    map[string]*Step
	Clauses  map[string]*Clause
}

type versionKey struct {
	lineageID string
	version   string
}

// Store is the ontology's versioned arena.
type Store struct {
	mu sync.RWMutex

	publishLocks map[string]*sync.Mutex // keyed by lineageID
	trees        map[versionKey]*Tree
	latest       map[string]string // lineageID -> latest published version

	// entityIndex resolves any entity id (policy/sop/section/step/clause) to
	// its owning Tree so Get/ChildrenOf don't need the lineage or version.
	entityIndex map[string]*Tree
	kindIndex   map[string]string // id -> "policy"|"sop"|"section"|"step"|"clause"

	schema *schema.Validator
	log    *zap.Logger
}

// NewStore constructs a Store. sch validates every BuildInput that crosses
// into Build; pass nil only in tests that exercise Build directly without a
// validator (a default one is created in that case).
func NewStore(log *zap.Logger, sch *schema.Validator) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if sch == nil {
		sch = schema.New()
	}
	return &Store{
		publishLocks: make(map[string]*sync.Mutex),
		trees:        make(map[versionKey]*Tree),
		latest:       make(map[string]string),
		entityIndex:  make(map[string]*Tree),
		kindIndex:    make(map[string]string),
		schema:       sch,
		log:          log,
	}
}

func newID(kind, seed string, parts ...string) string {
	if seed == "" {
		return uuid.NewString()
	}
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte(seed))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Build validates in's structure and produces a fully formed, unpublished
// Tree. The whole build fails atomically on any structural violation — no
// partial tree is ever visible because nothing is stored until Publish.
func (s *Store) Build(in BuildInput) (*Tree, error) {
	if _, err := s.schema.Validate(&in); err != nil {
		return nil, err
	}
	lineageID := in.LineageID
	if lineageID == "" {
		lineageID = uuid.NewString()
	}
	policyID := newID("policy", in.Seed, lineageID, in.Title)

	tree := &Tree{
		Policy:   &Policy{ID: policyID, LineageID: lineageID, Title: in.Title, SopIDs: []string{}},
		SOPs:     make(map[string]*SOP),
		Sections: make(map[string]*Section),
		Steps:    make(map[string]*Step),
		Clauses:  make(map[string]*Clause),
	}

	for _, sopIn := range in.SOPs {
		sopID := newID("sop", in.Seed, policyID, sopIn.Name)
		sop := &SOP{ID: sopID, PolicyID: policyID, OwnerRole: sopIn.OwnerRole, Name: sopIn.Name, SectionIDs: []string{}}

		for order, secIn := range sopIn.Sections {
			secID := newID("section", in.Seed, sopID, secIn.Name, fmt.Sprint(order))
			sec := &Section{ID: secID, SopID: sopID, Name: secIn.Name, Order: order, StepIDs: []string{}}

			for stepOrder, stepIn := range secIn.Steps {
				stepID := newID("step", in.Seed, secID, stepIn.Description, fmt.Sprint(stepOrder))
				step := &Step{
					ID: stepID, SectionID: secID, Description: stepIn.Description,
					ResponsibleRole: stepIn.ResponsibleRole, Order: stepOrder, ClauseIDs: []string{},
				}

				for _, clauseIn := range stepIn.Clauses {
					clauseID := newID("clause", in.Seed, stepID, clauseIn.Text)
					clause := &Clause{
						ID: clauseID, StepID: stepID, Text: clauseIn.Text, RiskLevel: clauseIn.RiskLevel,
						Jurisdiction: clauseIn.Jurisdiction, Type: clauseIn.Type, Citations: clauseIn.Citations,
					}
					tree.Clauses[clauseID] = clause
					step.ClauseIDs = append(step.ClauseIDs, clauseID)
				}
				tree.Steps[stepID] = step
				sec.StepIDs = append(sec.StepIDs, stepID)
			}
			tree.Sections[secID] = sec
			sop.SectionIDs = append(sop.SectionIDs, secID)
		}
		tree.SOPs[sopID] = sop
		tree.Policy.SopIDs = append(tree.Policy.SopIDs, sopID)
	}

	return tree, nil
}

// CompleteStep marks a step done on a not-yet-published tree, gated by the
// role's write access to the field. Completion is monotonic — a completed
// step never reverts — and a tree that has been published (its Policy carries
// a version) is immutable: changing completion afterwards means building and
// publishing a new version.
func (t *Tree) CompleteStep(stepID, role string) error {
	if t.Policy.Version != "" {
		return occamerr.NewConflict("policy version " + t.Policy.Version + " is published and immutable")
	}
	if err := schema.CheckWritable(reflect.TypeOf(Step{}), "Completed", role); err != nil {
		return err
	}
	step, ok := t.Steps[stepID]
	if !ok {
		return occamerr.NewNotFound("ontology entity not found: " + stepID)
	}
	step.Completed = true
	return nil
}

func clonePolicy(p *Policy) *Policy {
	cp := *p
	cp.SopIDs = append([]string(nil), p.SopIDs...)
	return &cp
}

func cloneSOP(s *SOP) *SOP {
	cp := *s
	cp.SectionIDs = append([]string(nil), s.SectionIDs...)
	return &cp
}

func cloneSection(s *Section) *Section {
	cp := *s
	cp.StepIDs = append([]string(nil), s.StepIDs...)
	return &cp
}

func cloneStep(s *Step) *Step {
	cp := *s
	cp.ClauseIDs = append([]string(nil), s.ClauseIDs...)
	return &cp
}

func cloneClause(c *Clause) *Clause {
	cp := *c
	cp.Citations = append([]RegulatoryCitation(nil), c.Citations...)
	return &cp
}

// clone deep-copies the tree so a stored snapshot shares no mutable state
// with the builder the caller still holds.
func (t *Tree) clone() *Tree {
	cp := &Tree{
		Policy:   clonePolicy(t.Policy),
		SOPs:     make(map[string]*SOP, len(t.SOPs)),
		Sections: make(map[string]*Section, len(t.Sections)),
		Steps:    make(map[string]*Step, len(t.Steps)),
		Clauses:  make(map[string]*Clause, len(t.Clauses)),
	}
	for id, s := range t.SOPs {
		cp.SOPs[id] = cloneSOP(s)
	}
	for id, s := range t.Sections {
		cp.Sections[id] = cloneSection(s)
	}
	for id, s := range t.Steps {
		cp.Steps[id] = cloneStep(s)
	}
	for id, c := range t.Clauses {
		cp.Clauses[id] = cloneClause(c)
	}
	return cp
}

// Publish assigns version to tree and commits a deep-copied snapshot of it,
// so the builder the caller still holds can never reach published state. A
// prior version under the same lineage remains queryable unchanged. version
// must be a strictly greater major.minor.patch triple than the lineage's
// current latest, so history is monotonic.
func (s *Store) Publish(tree *Tree, version string) error {
	lineageID := tree.Policy.LineageID

	if _, err := schema.ParseSemver(version); err != nil {
		return err
	}

	s.mu.Lock()
	lock, ok := s.publishLocks[lineageID]
	if !ok {
		lock = &sync.Mutex{}
		s.publishLocks[lineageID] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	key := versionKey{lineageID: lineageID, version: version}
	_, exists := s.trees[key]
	prevVersion, hasPrev := s.latest[lineageID]
	s.mu.RUnlock()
	if exists {
		return occamerr.NewConflict(fmt.Sprintf("policy lineage %s version %s already published", lineageID, version))
	}
	if hasPrev {
		cmp, err := schema.CompareSemver(version, prevVersion)
		if err != nil {
			return occamerr.NewInternal("stored latest version is not valid semver: "+prevVersion, err)
		}
		if cmp <= 0 {
			return occamerr.NewInvalid("version", fmt.Sprintf(
				"version %s must be greater than lineage %s's current latest %s", version, lineageID, prevVersion))
		}
	}

	now := time.Now().UTC()
	// Stamping the version on the caller's tree marks it published: mutation
	// entry points (CompleteStep) refuse a versioned tree from here on.
	tree.Policy.Version = version
	tree.Policy.CreatedAt = now
	tree.Policy.UpdatedAt = now

	// The store keeps its own deep copy; nothing the caller does to the
	// builder afterwards can alter the published snapshot.
	snapshot := tree.clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.trees[key] = snapshot
	s.latest[lineageID] = version

	s.entityIndex[snapshot.Policy.ID] = snapshot
	s.kindIndex[snapshot.Policy.ID] = "policy"
	for id := range snapshot.SOPs {
		s.entityIndex[id] = snapshot
		s.kindIndex[id] = "sop"
	}
	for id := range snapshot.Sections {
		s.entityIndex[id] = snapshot
		s.kindIndex[id] = "section"
	}
	for id := range snapshot.Steps {
		s.entityIndex[id] = snapshot
		s.kindIndex[id] = "step"
	}
	for id := range snapshot.Clauses {
		s.entityIndex[id] = snapshot
		s.kindIndex[id] = "clause"
	}
	s.log.Info("policy published", zap.String("lineageId", lineageID), zap.String("version", version))
	return nil
}

// Get resolves id to its entity (one of *Policy, *SOP, *Section, *Step,
// *Clause). Every entity is returned as a defensive copy: mutating the
// result never touches the published snapshot.
func (s *Store) Get(id string) (interface{}, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tree, ok := s.entityIndex[id]
	if !ok {
		return nil, "", occamerr.NewNotFound("ontology entity not found: " + id)
	}
	kind := s.kindIndex[id]
	switch kind {
	case "policy":
		return clonePolicy(tree.Policy), kind, nil
	case "sop":
		return cloneSOP(tree.SOPs[id]), kind, nil
	case "section":
		return cloneSection(tree.Sections[id]), kind, nil
	case "step":
		return cloneStep(tree.Steps[id]), kind, nil
	case "clause":
		return cloneClause(tree.Clauses[id]), kind, nil
	}
	return nil, "", occamerr.NewInternal("unknown ontology entity kind", nil)
}

// ChildrenOf returns the child ids of id in declared order.
func (s *Store) ChildrenOf(id string) ([]string, error) {
	entity, kind, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	switch kind {
	case "policy":
		return entity.(*Policy).SopIDs, nil
	case "sop":
		return entity.(*SOP).SectionIDs, nil
	case "section":
		return entity.(*Section).StepIDs, nil
	case "step":
		return entity.(*Step).ClauseIDs, nil
	case "clause":
		return nil, nil
	}
	return nil, nil
}

// LatestVersion returns the most recently published version for a lineage.
func (s *Store) LatestVersion(lineageID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.latest[lineageID]
	if !ok {
		return "", occamerr.NewNotFound("no published version for lineage: " + lineageID)
	}
	return v, nil
}

// Project returns only the role-readable fields of id's entity.
func (s *Store) Project(id, role string) (map[string]interface{}, error) {
	entity, _, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return schema.ProjectReadable(entity, role), nil
}
