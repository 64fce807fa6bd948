package tunshare

import (
	"testing"
)

func TestEventTypeNames(t *testing.T) {
	cases := []struct {
		typ  EventType
		want string
	}{
		{EventState, "state"},
		{EventEnd, "end"},
		{EventClose, "close"},
		{EventTimeout, "timeout"},
		{EventError, "error"},
		{EventType(42), "unknown"},
	}
	for _, c := range cases {
		if got := c.typ.String(); got != c.want {
			t.Errorf("EventType(%d).String() = %q, want %q", c.typ, got, c.want)
		}
	}
}

func TestEventSinkNeverBlocks(t *testing.T) {
	sink := newEventSink(NewLogger("test", LogLevelError))
	// overflow the queue; emits beyond the buffer must be dropped, not
	// block the caller
	for i := 0; i < eventQueueLen*2; i++ {
		sink.emitState(TunnelConnected)
	}
	n := 0
	for {
		select {
		case <-sink.ch:
			n++
		default:
			if n != eventQueueLen {
				t.Errorf("delivered %d events, want %d", n, eventQueueLen)
			}
			return
		}
	}
}
