package sdk

import "go.uber.org/zap"

// Context is handed to every handler invocation.
type Context interface {
	Log() *zap.Logger
	Bus() Bus
	// Send queues an outbound envelope to the content.
	Send(eventType string, data map[string]any) error
}

// Handler consumes the data of one inbound envelope.
type Handler func(ctx Context, data map[string]any) error

// UnhandledHandler receives envelopes whose event type has no registration.
type UnhandledHandler func(ctx Context, eventType string, data map[string]any) error
