package orders

const (
	TopicOrderPlaced        = "order.placed"
	TopicOrderStatusChanged = "order.status.changed"
	TopicOrderFeedback      = "order.feedback"
	TopicOrderDeleted       = "order.deleted"
)

var topicByEvent = map[string]string{
	EventOrderPlaced:        TopicOrderPlaced,
	EventOrderStatusChanged: TopicOrderStatusChanged,
	EventFeedbackAttached:   TopicOrderFeedback,
	EventOrderDeleted:       TopicOrderDeleted,
}

// TopicFor returns "" for unknown event types.
func TopicFor(eventType string) string { return topicByEvent[eventType] }

// Topics lists every topic the engine writes to.
func Topics() []string {
	return []string{TopicOrderPlaced, TopicOrderStatusChanged, TopicOrderFeedback, TopicOrderDeleted}
}

// Partition key = order id, so all events of one order stay in order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
