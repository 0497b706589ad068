package orders

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusApproved  Status = "approved"
	StatusPicking   Status = "picking"
	StatusPicked    Status = "picked"
	StatusLoaded    Status = "loaded"
	StatusInTransit Status = "in_transit"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

type PaymentStatus string

const (
	PaymentUnpaid  PaymentStatus = "unpaid"
	PaymentPartial PaymentStatus = "partial"
	PaymentPaid    PaymentStatus = "paid"
)

// Cancellation is only reachable from pending; every other move is one step forward.
var validNext = map[Status]map[Status]bool{
	StatusPending:   {StatusConfirmed: true, StatusCancelled: true},
	StatusConfirmed: {StatusApproved: true},
	StatusApproved:  {StatusPicking: true},
	StatusPicking:   {StatusPicked: true},
	StatusPicked:    {StatusLoaded: true},
	StatusLoaded:    {StatusInTransit: true},
	StatusInTransit: {StatusDelivered: true},
	StatusDelivered: {},
	StatusCancelled: {},
}

// openStatuses count against the per-customer pending order limit.
var openStatuses = []Status{StatusPending, StatusConfirmed}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

func OpenStatuses() []Status {
	return append([]Status(nil), openStatuses...)
}
