package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLimitOffset(t *testing.T) {
	tests := []struct {
		name   string
		limit  string
		offset string
		want   Params
	}{
		{"defaults", "", "", Params{Limit: 20, Offset: 0}},
		{"explicit", "5", "10", Params{Limit: 5, Offset: 10}},
		{"limit capped", "500", "0", Params{Limit: 100, Offset: 0}},
		{"zero limit defaults", "0", "0", Params{Limit: 20, Offset: 0}},
		{"negative offset floored", "10", "-3", Params{Limit: 10, Offset: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLimitOffset(tt.limit, tt.offset)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLimitOffset_Invalid(t *testing.T) {
	_, err := ParseLimitOffset("ten", "")
	assert.ErrorContains(t, err, "invalid limit")

	_, err = ParseLimitOffset("", "x")
	assert.ErrorContains(t, err, "invalid offset")
}
