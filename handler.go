package packetcomp

// Handler is one stage of a packet handler chain. Outgoing runs before a
// packet reaches the wire and Incoming runs before higher layers see it.
// Fatal conditions are recorded on the packet and returned.
type Handler interface {
	Outgoing(p *Packet) error
	Incoming(p *Packet) error
	// ReservedBits is the worst case number of bits the handler adds to
	// a packet.
	ReservedBits() int
}

// Chain runs handlers in order on the way out and in reverse order on the
// way in, so the first handler sees raw application bytes. The
// compression transform must be first because it needs byte aligned input.
type Chain []Handler

// Outgoing passes p through every handler, stopping at the first error.
func (c Chain) Outgoing(p *Packet) error {
	for _, h := range c {
		if err := h.Outgoing(p); err != nil {
			p.SetError(err)
			return err
		}
		if err := p.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Incoming passes p through every handler in reverse, stopping at the
// first error.
func (c Chain) Incoming(p *Packet) error {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Incoming(p); err != nil {
			p.SetError(err)
			return err
		}
		if err := p.Err(); err != nil {
			return err
		}
	}
	return nil
}

// ReservedBits sums the overhead of every handler.
func (c Chain) ReservedBits() int {
	n := 0
	for _, h := range c {
		n += h.ReservedBits()
	}
	return n
}

var _ Handler = Chain(nil)
