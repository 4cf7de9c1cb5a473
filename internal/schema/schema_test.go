package schema

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type samplePolicy struct {
	Title   string `validate:"required" json:"title"`
	Version string `validate:"required,semver" json:"version"`
}

type sampleClause struct {
	Text     string `json:"text" occam:"role=viewer:r,compliance_officer:rw"`
	Internal string `json:"internal" occam:"role=compliance_officer:rw"`
	UnTagged string `json:"untagged"`
}

func TestValidate_RejectsMalformedSemver(t *testing.T) {
	v := New()
	_, err := v.Validate(samplePolicy{Title: "Policy A", Version: "not-a-semver"})
	require.Error(t, err)
}

func TestValidate_AcceptsWellFormedDocument(t *testing.T) {
	v := New()
	marker, err := v.Validate(samplePolicy{Title: "Policy A", Version: "1.2.3"})
	require.NoError(t, err)
	assert.Equal(t, "samplePolicy", marker.TypeName())
}

type sampleFreeText struct {
	Text         string `validate:"required,max=50,safe_string"`
	Jurisdiction string `validate:"omitempty,iso_jurisdiction"`
}

func TestValidate_RejectsUnsafeText(t *testing.T) {
	v := New()
	_, err := v.Validate(sampleFreeText{Text: "verify <script>alert(1)</script>"})
	require.Error(t, err)

	_, err = v.Validate(sampleFreeText{Text: "verify the customer's identity"})
	require.NoError(t, err)
}

func TestValidate_RejectsMalformedJurisdiction(t *testing.T) {
	v := New()
	for _, bad := range []string{"usa", "U", "US-CALIFORNIA"} {
		_, err := v.Validate(sampleFreeText{Text: "ok", Jurisdiction: bad})
		require.Error(t, err, "jurisdiction %q should be rejected", bad)
	}
	for _, good := range []string{"US", "DE", "US-CA"} {
		_, err := v.Validate(sampleFreeText{Text: "ok", Jurisdiction: good})
		require.NoError(t, err, "jurisdiction %q should be accepted", good)
	}
}

func TestCompareSemver_OrdersVersions(t *testing.T) {
	cmp, err := CompareSemver("1.2.3", "1.2.3")
	require.NoError(t, err)
	assert.Equal(t, 0, cmp)

	cmp, err = CompareSemver("1.10.0", "1.9.9")
	require.NoError(t, err)
	assert.Equal(t, 1, cmp)

	cmp, err = CompareSemver("0.9.0", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, -1, cmp)

	_, err = CompareSemver("1.2", "1.0.0")
	require.Error(t, err)
}

func TestProjectReadable_HidesFieldsNotDeclaredForRole(t *testing.T) {
	c := sampleClause{Text: "must verify identity", Internal: "internal notes", UnTagged: "always visible"}

	viewerView := ProjectReadable(c, "viewer")
	assert.Contains(t, viewerView, "text")
	assert.NotContains(t, viewerView, "internal")
	assert.Contains(t, viewerView, "untagged")

	officerView := ProjectReadable(c, "compliance_officer")
	assert.Contains(t, officerView, "text")
	assert.Contains(t, officerView, "internal")
}

func TestCheckWritable_DeniesUndeclaredRole(t *testing.T) {
	typ := reflect.TypeOf(sampleClause{})
	err := CheckWritable(typ, "Internal", "viewer")
	require.Error(t, err)

	err = CheckWritable(typ, "Internal", "compliance_officer")
	require.NoError(t, err)
}
