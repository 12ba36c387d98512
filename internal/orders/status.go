package orders

type Status string

const (
	StatusPending    Status = "Pending"
	StatusProcessing Status = "Processing"
	StatusShipped    Status = "Shipped"
	StatusDelivered  Status = "Delivered"
	StatusCancelled  Status = "Cancelled"
)

// Pending is only ever entered at creation, so nothing points to it.
var validNext = map[Status]map[Status]bool{
	StatusPending:    {StatusProcessing: true, StatusCancelled: true},
	StatusProcessing: {StatusShipped: true, StatusCancelled: true},
	StatusShipped:    {StatusDelivered: true, StatusCancelled: true},
	StatusDelivered:  {},
	StatusCancelled:  {},
}

func ToStatus(s string) (Status, bool) {
	st := Status(s)
	_, ok := validNext[st]
	return st, ok
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Terminal() bool {
	next, ok := validNext[s]
	return ok && len(next) == 0
}

// restocksOnCancel reports whether cancelling from s returns the goods to
// the catalog. Shipped goods have left the seller; they come back through a
// return, not through cancellation.
func restocksOnCancel(from Status) bool {
	return from == StatusPending || from == StatusProcessing
}
