package wip_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor/internal/wip"
)

func limit(n int) *int { return &n }

func TestCheckAdmission(t *testing.T) {
	cases := []struct {
		name      string
		occupancy int
		limit     *int
		allowed   bool
		available *int
	}{
		{"nil limit is unlimited", 99, nil, true, nil},
		{"zero limit is unlimited by convention", 99, limit(0), true, nil},
		{"under limit", 2, limit(3), true, limit(1)},
		{"at limit", 3, limit(3), false, limit(0)},
		{"over limit clamps available", 5, limit(3), false, limit(0)},
		{"empty stage", 0, limit(1), true, limit(1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := wip.CheckAdmission(tc.occupancy, tc.limit)
			assert.Equal(t, tc.allowed, got.Allowed)
			if tc.available == nil {
				assert.Nil(t, got.Available)
			} else {
				require.NotNil(t, got.Available)
				assert.Equal(t, *tc.available, *got.Available)
			}
		})
	}
}
