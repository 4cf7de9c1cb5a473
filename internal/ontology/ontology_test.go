package ontology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/occam/orchestration-kernel/internal/occamerr"
)

func sampleInput() BuildInput {
	return BuildInput{
		Title: "Data Retention Policy",
		SOPs: []SOPInput{
			{
				OwnerRole: "compliance_officer", Name: "Retention SOP",
				Sections: []SectionInput{
					{
						Name: "Collection", Steps: []StepInput{
							{
								Description: "Collect customer data", ResponsibleRole: "analyst",
								Clauses: []ClauseInput{
									{Text: "Must obtain consent", RiskLevel: RiskHigh, Jurisdiction: "US", Type: ClauseRequirement},
								},
							},
						},
					},
				},
			},
		},
	}
}

func TestBuildThenPublish_RoundTrips(t *testing.T) {
	s := NewStore(nil, nil)
	tree, err := s.Build(sampleInput())
	require.NoError(t, err)

	require.NoError(t, s.Publish(tree, "1.0.0"))

	got, kind, err := s.Get(tree.Policy.ID)
	require.NoError(t, err)
	assert.Equal(t, "policy", kind)
	assert.Equal(t, "Data Retention Policy", got.(*Policy).Title)

	children, err := s.ChildrenOf(tree.Policy.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
}

func TestPublish_SameVersionTwiceConflicts(t *testing.T) {
	s := NewStore(nil, nil)
	tree, err := s.Build(sampleInput())
	require.NoError(t, err)
	require.NoError(t, s.Publish(tree, "1.0.0"))

	tree2, err := s.Build(sampleInput())
	require.NoError(t, err)
	tree2.Policy.LineageID = tree.Policy.LineageID

	err = s.Publish(tree2, "1.0.0")
	require.Error(t, err)
	assert.Equal(t, occamerr.Conflict, occamerr.KindOf(err))
}

func TestPublish_RejectsNonMonotonicVersion(t *testing.T) {
	s := NewStore(nil, nil)
	tree, err := s.Build(sampleInput())
	require.NoError(t, err)
	require.NoError(t, s.Publish(tree, "1.1.0"))

	tree2, err := s.Build(sampleInput())
	require.NoError(t, err)
	tree2.Policy.LineageID = tree.Policy.LineageID

	err = s.Publish(tree2, "1.0.9")
	require.Error(t, err)
	assert.Equal(t, occamerr.Invalid, occamerr.KindOf(err))
}

func TestPublish_SnapshotIsolatedFromBuilder(t *testing.T) {
	s := NewStore(nil, nil)
	tree, err := s.Build(sampleInput())
	require.NoError(t, err)
	require.NoError(t, s.Publish(tree, "1.0.0"))

	var stepID string
	for id := range tree.Steps {
		stepID = id
	}

	// Mutating the builder the caller still holds must not reach the
	// published snapshot.
	tree.Policy.Title = "tampered"
	tree.Steps[stepID].Description = "tampered"

	got, _, err := s.Get(tree.Policy.ID)
	require.NoError(t, err)
	assert.Equal(t, "Data Retention Policy", got.(*Policy).Title)

	gotStep, _, err := s.Get(stepID)
	require.NoError(t, err)
	assert.Equal(t, "Collect customer data", gotStep.(*Step).Description)

	// Completing a step on a published builder is rejected outright.
	err = tree.CompleteStep(stepID, "analyst")
	require.Error(t, err)
	assert.Equal(t, occamerr.Conflict, occamerr.KindOf(err))
}

func TestGet_ReturnsDefensiveCopies(t *testing.T) {
	s := NewStore(nil, nil)
	tree, err := s.Build(sampleInput())
	require.NoError(t, err)
	require.NoError(t, s.Publish(tree, "1.0.0"))

	got, _, err := s.Get(tree.Policy.ID)
	require.NoError(t, err)
	got.(*Policy).Title = "mutated by caller"
	got.(*Policy).SopIDs[0] = "mutated-id"

	again, _, err := s.Get(tree.Policy.ID)
	require.NoError(t, err)
	assert.Equal(t, "Data Retention Policy", again.(*Policy).Title)
	assert.NotEqual(t, "mutated-id", again.(*Policy).SopIDs[0])
}

func TestBuild_RejectsUnsafeAndMalformedInput(t *testing.T) {
	s := NewStore(nil, nil)

	in := sampleInput()
	in.Title = "Retention <script>alert(1)</script>"
	_, err := s.Build(in)
	require.Error(t, err)
	assert.Equal(t, occamerr.Invalid, occamerr.KindOf(err))

	in = sampleInput()
	in.SOPs[0].Sections[0].Steps[0].Clauses[0].Jurisdiction = "usa"
	_, err = s.Build(in)
	require.Error(t, err)
	assert.Equal(t, occamerr.Invalid, occamerr.KindOf(err))
}

func TestBuild_RejectsInvalidClause(t *testing.T) {
	s := NewStore(nil, nil)
	in := sampleInput()
	in.SOPs[0].Sections[0].Steps[0].Clauses[0].RiskLevel = "extreme"

	_, err := s.Build(in)
	require.Error(t, err)
	assert.Equal(t, occamerr.Invalid, occamerr.KindOf(err))
}

func TestCompleteStep_RoleGatedAndMonotonic(t *testing.T) {
	s := NewStore(nil, nil)
	tree, err := s.Build(sampleInput())
	require.NoError(t, err)

	var stepID string
	for id := range tree.Steps {
		stepID = id
	}

	err = tree.CompleteStep(stepID, "viewer")
	require.Error(t, err)
	assert.Equal(t, occamerr.PermissionDenied, occamerr.KindOf(err))
	assert.False(t, tree.Steps[stepID].Completed)

	require.NoError(t, tree.CompleteStep(stepID, "analyst"))
	assert.True(t, tree.Steps[stepID].Completed)

	// Completing an already-completed step is a no-op, never a revert.
	require.NoError(t, tree.CompleteStep(stepID, "compliance_officer"))
	assert.True(t, tree.Steps[stepID].Completed)
}

func TestProject_FiltersByRole(t *testing.T) {
	s := NewStore(nil, nil)
	tree, err := s.Build(sampleInput())
	require.NoError(t, err)
	require.NoError(t, s.Publish(tree, "1.0.0"))

	var clauseID string
	for id := range tree.Clauses {
		clauseID = id
	}

	projected, err := s.Project(clauseID, "viewer")
	require.NoError(t, err)
	assert.Contains(t, projected, "text")

	projectedNoAccess, err := s.Project(clauseID, "guest")
	require.NoError(t, err)
	assert.NotContains(t, projectedNoAccess, "text")
}
