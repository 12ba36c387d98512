package redisx

import "time"

const (
	// idem:order:create:{idempotency key} -> order id, or "" while in flight
	KeyIdemOrderCreate = "idem:order:create:%s"

	// order_status:{order id} -> hash {status, updated_at, ts (unix micros)}
	KeyOrderStatus = "order_status:%s"

	// dedup:{service}:{event id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour

	// a crashed request must not block its key for a day
	TTLIdemInFlight = 2 * time.Minute
)
