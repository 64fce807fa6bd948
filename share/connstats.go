package tunshare

import (
	"fmt"
	"sync/atomic"
)

// ConnStats tracks bridged connection counts for log output: how many
// are open right now, and how many have ever been created.
type ConnStats struct {
	total int32
	open  int32
}

// New records a newly created connection and returns its ordinal
func (s *ConnStats) New() int32 {
	return atomic.AddInt32(&s.total, 1)
}

// Open records a connection entering the bridging phase
func (s *ConnStats) Open() {
	atomic.AddInt32(&s.open, 1)
}

// Close records the end of a bridged connection
func (s *ConnStats) Close() {
	atomic.AddInt32(&s.open, -1)
}

// String renders the counts as "[open/total]"
func (s *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", atomic.LoadInt32(&s.open), atomic.LoadInt32(&s.total))
}
