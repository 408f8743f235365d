package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
)

var applyNow = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func pendingOrder() domain.Order {
	return domain.Order{
		ID:            "o1",
		StrategyID:    "strat-1",
		Status:        domain.OrderStatusPending,
		RequestedSize: 10,
	}
}

func TestApplyFill_PartialThenComplete(t *testing.T) {
	o := pendingOrder()

	// 3 of 10 filled at 0.42.
	o, changed, err := ApplyFill(o, domain.FillStatus{
		FilledSize: 3, AvgFillPrice: 0.42,
	}, applyNow)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.OrderStatusPartial, o.Status)
	assert.Equal(t, 3.0, o.FilledSize)
	assert.Equal(t, 0.42, o.AvgFillPrice)

	// Complete fill at a blended 0.45.
	o, changed, err = ApplyFill(o, domain.FillStatus{
		FilledSize: 10, AvgFillPrice: 0.45, Terminal: true,
	}, applyNow)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.Equal(t, 10.0, o.FilledSize)
	assert.Equal(t, 0.45, o.AvgFillPrice)
	require.NotNil(t, o.FilledAt)
}

func TestApplyFill_ShrinkingFillIsViolation(t *testing.T) {
	o := pendingOrder()
	o.Status = domain.OrderStatusPartial
	o.FilledSize = 5

	_, _, err := ApplyFill(o, domain.FillStatus{FilledSize: 3}, applyNow)
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
}

func TestApplyFill_OverfillIsViolation(t *testing.T) {
	o := pendingOrder()
	_, _, err := ApplyFill(o, domain.FillStatus{FilledSize: 11, Terminal: true}, applyNow)
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
}

func TestApplyFill_TerminalWithoutFillRejects(t *testing.T) {
	o := pendingOrder()
	o, changed, err := ApplyFill(o, domain.FillStatus{Terminal: true}, applyNow)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.OrderStatusRejected, o.Status)
	assert.Zero(t, o.FilledSize)
}

func TestApplyFill_TerminalPartialClosesAtExecutedSize(t *testing.T) {
	// The venue cancelled the remainder after a partial execution: the order
	// closes as filled and the request shrinks to what actually executed.
	o := pendingOrder()
	o, changed, err := ApplyFill(o, domain.FillStatus{
		FilledSize: 4, AvgFillPrice: 0.42, Terminal: true,
	}, applyNow)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.Equal(t, 4.0, o.FilledSize)
	assert.Equal(t, 4.0, o.RequestedSize)
	assert.NoError(t, o.ConsistencyErr())
}

func TestApplyFill_DuplicateTerminalReportIsNoop(t *testing.T) {
	o := pendingOrder()
	o.Status = domain.OrderStatusFilled
	o.FilledSize = 10

	o2, changed, err := ApplyFill(o, domain.FillStatus{FilledSize: 10, Terminal: true}, applyNow)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, o, o2)
}

func TestApplyFill_TerminalDisagreementIsViolation(t *testing.T) {
	o := pendingOrder()
	o.Status = domain.OrderStatusFilled
	o.FilledSize = 10

	_, _, err := ApplyFill(o, domain.FillStatus{FilledSize: 7, Terminal: true}, applyNow)
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
}

func TestApplyFill_UnchangedReportIsNoop(t *testing.T) {
	o := pendingOrder()
	o.Status = domain.OrderStatusPartial
	o.FilledSize = 3

	_, changed, err := ApplyFill(o, domain.FillStatus{FilledSize: 3}, applyNow)
	require.NoError(t, err)
	assert.False(t, changed)
}
