package orders

import "context"

// Notifier is told about committed changes. Implementations must not block and cannot fail
// the operation that triggered them.
type Notifier interface {
	OrderCreated(ctx context.Context, o Order, warnings []Warning)
	OrderCancelled(ctx context.Context, o Order, reason string)
	StatusChanged(ctx context.Context, o Order, from Status, note string)
}

// Observer receives per-operation outcomes for metrics.
type Observer interface {
	ObserveOrderOp(op, code string, seconds float64)
	ObserveReservation(reserved, rejected int)
}

type nopNotifier struct{}

func (nopNotifier) OrderCreated(context.Context, Order, []Warning)        {}
func (nopNotifier) OrderCancelled(context.Context, Order, string)         {}
func (nopNotifier) StatusChanged(context.Context, Order, Status, string) {}

type nopObserver struct{}

func (nopObserver) ObserveOrderOp(string, string, float64) {}
func (nopObserver) ObserveReservation(int, int)            {}
