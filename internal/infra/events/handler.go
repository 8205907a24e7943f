package events

// Handler processes events of the types it declares.
type Handler interface {
	// Handles returns the event types this handler processes.
	Handles() []string

	// Handle processes one event. Handling the same event twice must be harmless.
	Handle(event Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	eventTypes []string
	fn         func(Event) error
}

// NewHandlerFunc creates a HandlerFunc for the given event types.
func NewHandlerFunc(eventTypes []string, fn func(Event) error) *HandlerFunc {
	return &HandlerFunc{eventTypes: eventTypes, fn: fn}
}

// Handles returns the event types this handler processes.
func (h *HandlerFunc) Handles() []string {
	return h.eventTypes
}

// Handle calls the wrapped function.
func (h *HandlerFunc) Handle(event Event) error {
	return h.fn(event)
}
