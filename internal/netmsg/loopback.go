package netmsg

// Loopback is an in-process transport connecting two Dispatchers directly,
// with no serialization or network hop. It exists to exercise the
// Dispatcher's routing logic in tests and in the local two-node driver
// without standing up a real listener.
type Loopback struct {
	peer MessageDeliverer
}

// NewLoopback returns a Loopback that delivers every sent Message straight
// to peer's DeliverMessage. Two Loopbacks, each pointed at the other's
// Dispatcher, form a connected pair.
func NewLoopback(peer MessageDeliverer) *Loopback {
	return &Loopback{peer: peer}
}

// SendMessage satisfies MessageSender by delivering synchronously to the
// peer this Loopback was built with.
func (l *Loopback) SendMessage(msg Message) error {
	return l.peer.DeliverMessage(msg)
}

// ConnectLoopback wires two Dispatchers together bidirectionally: each
// Dispatcher's replies are delivered straight into the other's
// DeliverMessage. Call this after both Dispatchers exist, since each
// Loopback end needs the other side's Dispatcher to send into.
func ConnectLoopback(a, b *Dispatcher) {
	a.SetSender(NewLoopback(b))
	b.SetSender(NewLoopback(a))
}
