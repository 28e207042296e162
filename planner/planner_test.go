package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/use-agent/screener/models"
	"github.com/use-agent/screener/params"
)

func testMap() params.Map {
	return params.Map{
		"b1": {Section: "B", Offset: 1},
		"b2": {Section: "B", Offset: 2},
		"a1": {Section: "A", Offset: 1},
		"c1": {Section: "C", Offset: 1},
	}
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name   string
		fields []string
		want   []string
		runs   []string
	}{
		{"interleaved sections", []string{"b1", "a1", "b2"}, []string{"a1", "b1", "b2"}, []string{"A", "B"}},
		{"stable within section", []string{"b2", "c1", "b1"}, []string{"b2", "b1", "c1"}, []string{"B", "C"}},
		{"already grouped", []string{"a1", "b1"}, []string{"a1", "b1"}, []string{"A", "B"}},
		{"empty", nil, []string{}, nil},
	}

	m := testMap()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Plan(tt.fields, m)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.runs, Runs(got, m))
		})
	}
}

func TestPlan_DoesNotMutateInput(t *testing.T) {
	in := []string{"b1", "a1"}
	_, err := Plan(in, testMap())
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "a1"}, in)
}

func TestPlan_UnknownField(t *testing.T) {
	_, err := Plan([]string{"a1", "zz"}, testMap())
	require.Error(t, err)
	assert.True(t, models.HasCode(err, models.ErrCodeInvalidInput))
	assert.Contains(t, err.Error(), `"zz"`)
}

func TestPlan_DefaultMapSwitchCount(t *testing.T) {
	m := params.Default()
	fields := []string{"Sector", "Market Cap", "Exchange", "PEG Ratio", "Industry"}

	got, err := Plan(fields, m)
	require.NoError(t, err)
	assert.Equal(t, []string{"descriptive", "overview", "ratios_income"}, Runs(got, m))
	assert.Equal(t, []string{"Sector", "Exchange", "Market Cap", "Industry", "PEG Ratio"}, got)
}
