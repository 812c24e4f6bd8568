package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCost_KnownModels(t *testing.T) {
	tests := []struct {
		name       string
		model      string
		prompt     int
		completion int
		want       float64
	}{
		{"gpt-4o-mini", "gpt-4o-mini", 1000, 1000, 0.00015 + 0.0006},
		{"gpt-4o", "gpt-4o", 2000, 500, 2*0.0025 + 0.5*0.0100},
		{"claude sonnet", "claude-sonnet-4-5", 10000, 2000, 10*0.003 + 2*0.015},
		{"zero tokens", "gpt-4o", 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, known := Cost(tt.model, tt.prompt, tt.completion)
			assert.True(t, known)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestCost_UnknownModel(t *testing.T) {
	got, known := Cost("some-future-model", 5000, 5000)
	assert.False(t, known)
	assert.Zero(t, got)
}

func TestLookup(t *testing.T) {
	price, ok := Lookup("claude-haiku-4-5")
	assert.True(t, ok)
	assert.Equal(t, 0.0008, price.Prompt)
	assert.Equal(t, 0.004, price.Completion)

	_, ok = Lookup("unknown")
	assert.False(t, ok)
}

func TestTable(t *testing.T) {
	table := Table()
	assert.Len(t, table, 11)

	seen := make(map[string]bool, len(table))
	for _, p := range table {
		seen[p.Model] = true
		assert.Greater(t, p.Prompt, 0.0)
		assert.Greater(t, p.Completion, 0.0)
	}
	assert.True(t, seen["gpt-4o"])
	assert.True(t, seen["claude-opus-4-1"])
}
