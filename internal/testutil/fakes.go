package testutil

import (
	"sync"
	"time"

	"coordinator/internal/job"
	"coordinator/internal/protocol"
)

// Epoch is the zero point of scenario timelines: "t=10" is Epoch plus ten
// seconds.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// At returns Epoch plus the given number of seconds.
func At(seconds int) time.Time {
	return Epoch.Add(time.Duration(seconds) * time.Second)
}

// Clock is a manually advanced clock. Its Now method can be passed wherever
// a func() time.Time is expected.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock reading t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current reading.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Conn is a socket that records every message sent to it.
type Conn struct {
	id string

	mu   sync.Mutex
	sent []protocol.Outbound
}

// NewConn creates a recording socket.
func NewConn(id string) *Conn {
	return &Conn{id: id}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(msg protocol.Outbound) error {
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	return nil
}

// Messages returns everything sent so far.
func (c *Conn) Messages() []protocol.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Outbound(nil), c.sent...)
}

// OfType returns the messages of one type.
func (c *Conn) OfType(t protocol.OutboundType) []protocol.Outbound {
	var out []protocol.Outbound
	for _, m := range c.Messages() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// Reset forgets recorded messages.
func (c *Conn) Reset() {
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
}

// LastRecord returns the most recent record of jobID carried by a JobStates
// or JobStateUpdates message.
func (c *Conn) LastRecord(jobID string) (*job.Record, bool) {
	msgs := c.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		p, ok := msgs[i].Payload.(protocol.JobStates)
		if !ok {
			continue
		}
		if rec, ok := p.State[jobID]; ok {
			return rec, true
		}
	}
	return nil, false
}
