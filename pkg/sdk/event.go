package sdk

// Event is what gets published on the observation bus.
type Event struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// Bus fans events out to observers (monitor streams, tests).
type Bus interface {
	Publish(ev Event)
	Subscribe() chan Event
	Unsubscribe(ch chan Event)
}
