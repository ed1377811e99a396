package events

// All saga traffic for one order shares a partition key, so the events of an
// order are observed in emission order regardless of which service emitted
// them.
const (
	TopicEvents   = "saga.events"
	TopicCommands = "saga.commands"
)

func PartitionKey(orderID string) []byte { return []byte(orderID) }
