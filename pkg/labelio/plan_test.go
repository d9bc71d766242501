package labelio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3mdistal/ralph-sub004/pkg/types"
)

func TestPlanLabelOps(t *testing.T) {
	t.Run("adds precede removes", func(t *testing.T) {
		ops, err := PlanLabelOps(
			[]string{types.LabelInProgress},
			[]string{types.LabelQueued},
			false,
		)
		require.NoError(t, err)
		require.Len(t, ops, 2)
		assert.Equal(t, Op{OpAdd, types.LabelInProgress}, ops[0])
		assert.Equal(t, Op{OpRemove, types.LabelQueued}, ops[1])
	})

	t.Run("dedupe and trim", func(t *testing.T) {
		ops, err := PlanLabelOps(
			[]string{types.LabelQueued, " " + types.LabelQueued + " ", ""},
			nil, false,
		)
		require.NoError(t, err)
		assert.Equal(t, []Op{{OpAdd, types.LabelQueued}}, ops)
	})

	t.Run("cross-cancel", func(t *testing.T) {
		ops, err := PlanLabelOps(
			[]string{types.LabelBlocked, types.LabelQueued},
			[]string{types.LabelBlocked},
			false,
		)
		require.NoError(t, err)
		assert.Equal(t, []Op{{OpAdd, types.LabelQueued}}, ops)
	})

	t.Run("non-ralph label rejected", func(t *testing.T) {
		_, err := PlanLabelOps([]string{"bug"}, nil, false)
		assert.ErrorContains(t, err, "policy")

		_, err = PlanLabelOps(nil, []string{"enhancement"}, false)
		assert.ErrorContains(t, err, "policy")
	})

	t.Run("non-ralph allowed when permitted", func(t *testing.T) {
		ops, err := PlanLabelOps([]string{"bug"}, nil, true)
		require.NoError(t, err)
		assert.Equal(t, []Op{{OpAdd, "bug"}}, ops)
	})

	t.Run("deterministic order", func(t *testing.T) {
		ops, err := PlanLabelOps(
			[]string{types.LabelQueued, types.LabelBlocked},
			nil, false,
		)
		require.NoError(t, err)
		assert.Equal(t, types.LabelBlocked, ops[0].Label)
		assert.Equal(t, types.LabelQueued, ops[1].Label)
	})
}
