package outbox

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType (production-style: event per topic).
// ActionID is the caller-issued mutation token; it rides along as a message
// header so consumers can classify the event as their own echo without
// unmarshalling the payload.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	ActionID      string
	Payload       []byte
}
