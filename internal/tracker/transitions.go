// Package tracker follows live orders from submission to a terminal fill
// state and reconciles completed fills into the risk ledger.
package tracker

import (
	"time"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
)

const sizeEpsilon = 1e-9

// ApplyFill merges a venue fill report into the order and returns the
// updated order plus whether anything changed.
//
// Legal transitions are pending -> {partial, filled, rejected, failed} and
// partial -> {partial, filled}; the filled size never decreases and never
// exceeds the request. Any other update returns ErrInvariantViolation and
// the caller freezes the order instead of applying it.
//
// A terminal report with a partial fill (the venue cancelled the remainder)
// closes the order as filled at the executed size: the unfilled remainder is
// dead and its reservation is released at settlement.
func ApplyFill(o domain.Order, fs domain.FillStatus, now time.Time) (domain.Order, bool, error) {
	if o.Status.Terminal() {
		// Late duplicate of the terminal report is harmless; anything that
		// disagrees with the recorded fill is not.
		if fs.FilledSize != o.FilledSize {
			return o, false, domain.ErrInvariantViolation
		}
		return o, false, nil
	}

	if fs.FilledSize < o.FilledSize {
		return o, false, domain.ErrInvariantViolation
	}
	if fs.FilledSize > o.RequestedSize+sizeEpsilon {
		return o, false, domain.ErrInvariantViolation
	}

	var next domain.OrderStatus
	switch {
	case fs.Terminal && fs.FilledSize > 0:
		next = domain.OrderStatusFilled
	case fs.Terminal:
		next = domain.OrderStatusRejected
	case fs.FilledSize > 0:
		next = domain.OrderStatusPartial
	default:
		next = domain.OrderStatusPending
	}

	changed := next != o.Status || fs.FilledSize != o.FilledSize
	if !changed {
		return o, false, nil
	}

	o.Status = next
	o.FilledSize = fs.FilledSize
	if fs.AvgFillPrice > 0 {
		o.AvgFillPrice = fs.AvgFillPrice
	}
	if next == domain.OrderStatusFilled {
		if o.FilledSize < o.RequestedSize {
			o.RequestedSize = o.FilledSize
		}
		at := now.UTC()
		o.FilledAt = &at
	}
	o.UpdatedAt = now.UTC()

	if err := o.ConsistencyErr(); err != nil {
		return o, false, err
	}
	return o, true, nil
}
