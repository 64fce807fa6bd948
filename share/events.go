package tunshare

// EventType identifies a kind of TunnelEvent
type EventType int

const (
	// EventState is emitted on every state transition; State carries the new state
	EventState EventType = iota

	// EventEnd is emitted when the transport session ends cleanly
	EventEnd

	// EventClose is emitted when the transport session closes; HadError
	// indicates whether the close was caused by an error
	EventClose

	// EventTimeout is emitted when the transport session times out
	EventTimeout

	// EventError is emitted on any internal failure; Message carries a
	// human-readable cause label and Err the underlying error
	EventError
)

var eventTypeNames = [...]string{
	"state", "end", "close", "timeout", "error",
}

func (t EventType) String() string {
	if t < EventState || t > EventError {
		return "unknown"
	}
	return eventTypeNames[t]
}

// Error message labels used with EventError
const (
	// ForwardErrorMessage labels a remote forward registration failure
	ForwardErrorMessage = "Forward error"

	// UnforwardErrorMessage labels a remote forward unregistration failure
	UnforwardErrorMessage = "Unforward error"

	// ConnectionErrorMessage labels a failure scoped to a single bridged connection
	ConnectionErrorMessage = "Connection error"

	// TunnelErrorMessage labels a session-scoped transport failure
	TunnelErrorMessage = "Tunnel error"
)

// TunnelEvent is a single notification from a Tunnel. Exactly which
// fields are meaningful depends on Type.
type TunnelEvent struct {
	Type     EventType
	State    TunnelState
	HadError bool
	Message  string
	Err      error
}

// eventQueueLen is the buffer size for the tunnel event channel. The
// tunnel never blocks on a slow consumer; events beyond the buffer are
// dropped.
const eventQueueLen = 64

// eventSink delivers TunnelEvents to an outbound channel without ever
// blocking the state machine.
type eventSink struct {
	logger Logger
	ch     chan TunnelEvent
}

func newEventSink(logger Logger) *eventSink {
	return &eventSink{
		logger: logger,
		ch:     make(chan TunnelEvent, eventQueueLen),
	}
}

// emit queues an event for the consumer, dropping it if the queue is full
func (s *eventSink) emit(ev TunnelEvent) {
	select {
	case s.ch <- ev:
	default:
		s.logger.WLogf("Event queue full; dropping %s event", ev.Type)
	}
}

func (s *eventSink) emitState(state TunnelState) {
	s.emit(TunnelEvent{Type: EventState, State: state})
}

func (s *eventSink) emitError(message string, err error) {
	s.emit(TunnelEvent{Type: EventError, Message: message, Err: err})
}
