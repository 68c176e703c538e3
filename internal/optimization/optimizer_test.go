package optimization

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVars() []DesignVariable {
	return []DesignVariable{
		{Name: "x_d", Size: 2, Lower: []float64{-1, -1}, Upper: []float64{1, 1}},
		{Name: "t", Size: 1},
	}
}

func TestDesignPointFlattenRoundTrip(t *testing.T) {
	vars := testVars()
	p := DesignPoint{"x_d": {0.5, -0.25}, "t": {3}}

	flat := p.Flatten(vars)
	requireClose(t, flat, []float64{0.5, -0.25, 3}, 0)

	back := Unflatten(vars, flat)
	requirePointsClose(t, back, p, 0)
	assert.Equal(t, 3, TotalSize(vars))
	assert.True(t, vars[0].Bounded())
	assert.False(t, vars[1].Bounded())
}

func TestDesignPointClone(t *testing.T) {
	p := DesignPoint{"x_d": {1, 2}}
	c := p.Clone()
	c["x_d"][0] = 99
	assert.Equal(t, 1.0, p["x_d"][0], "clone must not alias the original")
	assert.Nil(t, DesignPoint(nil).Clone())
}

func TestCheckDesignPoint(t *testing.T) {
	vars := testVars()
	tests := []struct {
		name    string
		point   DesignPoint
		wantErr bool
	}{
		{name: "valid", point: DesignPoint{"x_d": {0, 0}, "t": {1}}},
		{name: "missing variable", point: DesignPoint{"x_d": {0, 0}, "u": {1}}, wantErr: true},
		{name: "wrong size", point: DesignPoint{"x_d": {0}, "t": {1}}, wantErr: true},
		{name: "extra variable", point: DesignPoint{"x_d": {0, 0}, "t": {1}, "z": {1}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckDesignPoint(vars, tt.point)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrConfiguration))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestSameDesignVariables(t *testing.T) {
	a := testVars()
	b := []DesignVariable{{Name: "t", Size: 1}, {Name: "x_d", Size: 2}}
	assert.True(t, SameDesignVariables(a, b))

	b[1].Size = 3
	assert.False(t, SameDesignVariables(a, b))
	assert.False(t, SameDesignVariables(a, a[:1]))
}

func TestFilterFunctions(t *testing.T) {
	specs := []FunctionSpec{
		{Name: "musigma", RequiresState: true},
		{Name: "mass"},
		{Name: "mu", RequiresState: true},
	}

	assert.Equal(t, []string{"musigma", "mu"}, FunctionNames(FilterFunctions(specs, RequiresState)))
	assert.Equal(t, []string{"mass"}, FunctionNames(FilterFunctions(specs, StateFree)))
}

func TestSampleSet(t *testing.T) {
	var nilSet *SampleSet
	assert.Equal(t, 0, nilSet.Len())

	s := &SampleSet{
		Locations: [][]float64{{0}},
		Values:    []float64{1},
		Gradients: [][]float64{{2}},
	}
	s.Append(&SampleSet{
		Locations: [][]float64{{1}},
		Values:    []float64{3},
		Gradients: [][]float64{{4}},
	})
	require.Equal(t, 2, s.Len())

	c := s.Clone()
	c.Locations[0][0] = 7
	assert.Equal(t, 0.0, s.Locations[0][0])
}

func TestOptimizationStateRecord(t *testing.T) {
	var s OptimizationState
	p := DesignPoint{"x_d": {1}}
	s.Record(p, 2.5)
	p["x_d"][0] = 5

	require.Len(t, s.History, 1)
	assert.Equal(t, 1.0, s.Point["x_d"][0])
	assert.Equal(t, 2.5, s.History[0].Objective)
}

func TestErrorKinds(t *testing.T) {
	err := DimensionMismatch("surrogate", "POU.Eval", 3, 2)
	assert.True(t, errors.Is(err, ErrDimensionMismatch))
	assert.Contains(t, err.Error(), "surrogate: POU.Eval")

	wrapped := WrapError(InsufficientData("surrogate", "New"), "building model")
	assert.True(t, errors.Is(wrapped, ErrInsufficientData))

	e, ok := IsOptimizationError(wrapped)
	require.True(t, ok)
	assert.Equal(t, "building model", e.Message)

	assert.Nil(t, WrapError(nil, "ignored"))
	_, ok = IsOptimizationError(errors.New("plain"))
	assert.False(t, ok)
}

func TestSortedNames(t *testing.T) {
	p := DesignPoint{"z": {1}, "a": {2, 3}, "m": nil}
	assert.Equal(t, []string{"a", "m", "z"}, p.SortedNames())
}

func TestResultTotalCalls(t *testing.T) {
	r := Result{ModelCalls: 30, TruthCalls: 200}
	assert.Equal(t, 230, r.TotalCalls())
}
