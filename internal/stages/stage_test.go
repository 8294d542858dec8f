package stages

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envirocomply/envirocomply-core/internal/reasoning/trace"
)

type namedStage struct{ name Name }

func (s namedStage) Name() Name   { return s.name }
func (s namedStage) Type() string { return "stub" }
func (s namedStage) Execute(context.Context, *RunContext) (*Output, trace.Trace, error) {
	return &Output{}, trace.Trace{}, nil
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(namedStage{Report}, namedStage{Monitor})
	require.NoError(t, err)
	assert.Equal(t, []Name{Monitor, Report}, r.Names())

	_, err = r.Get(Assess)
	assert.ErrorIs(t, err, ErrStageNotRegistered)

	assert.Error(t, r.Register(namedStage{Monitor}), "duplicate")
	assert.Error(t, r.Register(namedStage{"billing"}), "unknown name")
	assert.Error(t, r.Register(nil))

	require.NoError(t, r.Replace(namedStage{Monitor}))
	s, err := r.Get(Monitor)
	require.NoError(t, err)
	assert.Equal(t, "stub", s.Type())
}

func TestRunContextMerge(t *testing.T) {
	rc := newRunContext("full")
	rc.Merge(Monitor, &Output{RegulationIDs: []string{"r1", "r2"}})
	rc.Merge(Assess, &Output{
		RegulationIDs: []string{"r2"},
		FacilityIDs:   []string{"f1"},
		Applicability: []Applicability{{FacilityID: "f1", RegulationID: "r2"}},
	})
	rc.Merge(Analyze, &Output{GapIDs: []string{"g1", "g2"}, FacilityIDs: []string{"f1"}})
	rc.Merge(Analyze, &Output{GapIDs: []string{"g2", "g3"}})

	assert.Equal(t, []string{"r2"}, rc.RegulationIDs)
	assert.Equal(t, []string{"f1"}, rc.FacilityRefs)
	assert.Equal(t, []string{"g1", "g2", "g3"}, rc.GapIDs)
	assert.Len(t, rc.Applicability, 1)
	assert.Equal(t, []Name{Monitor, Assess, Analyze, Analyze}, rc.SucceededStages)
	assert.True(t, rc.HasSuccess())
}

func TestRunContextCloneIsDetached(t *testing.T) {
	rc := newRunContext("gaps", "f1")
	rc.GapIDs = []string{"g1"}
	c := rc.Clone()
	c.GapIDs[0] = "mutated"
	c.FacilityIDs = append(c.FacilityIDs, "f2")

	if diff := cmp.Diff([]string{"g1"}, rc.GapIDs); diff != "" {
		t.Errorf("original gap ids changed (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"f1"}, rc.FacilityIDs)
}

func TestOutputSnapshot(t *testing.T) {
	var nilOut *Output
	assert.Nil(t, nilOut.Snapshot())

	snap := (&Output{Summary: "s", GapIDs: []string{"g"}, Data: map[string]any{"findings": 2}}).Snapshot()
	assert.Equal(t, "s", snap["summary"])
	assert.Equal(t, 2, snap["findings"])
	assert.Equal(t, []string{"g"}, snap["gap_ids"])
}
