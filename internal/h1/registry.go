package h1

// registry tracks the live connections of one acceptor. Connections are
// addressed through arena references so that a late response never reaches
// a recycled connection.
type registry[S Stream] struct {
	settings *Settings
	ids      *IDCounter
	backend  string
	arena    Arena[*Connection[S]]
}

func newRegistry[S Stream](settings *Settings, ids *IDCounter, backend string) *registry[S] {
	settings.normalize()
	return &registry[S]{settings: settings, ids: ids, backend: backend}
}

// open creates a connection for stream and starts it.
func (r *registry[S]) open(stream S) *Connection[S] {
	c := newConnection(r.ids.Next(), stream, r.settings, r)
	c.ref = r.arena.Insert(c)
	c.onClose = r.release

	connectionsActive.Inc()
	connectionsTotal.WithLabelValues(r.backend).Inc()
	r.settings.notify(ConnectionEvent{ID: c.id, RemoteAddr: stream.RemoteAddr(), State: ConnectionAccepted})

	c.Start()
	return c
}

// release is called once per connection, on its executor. An empty reason
// means the stream was taken over.
func (r *registry[S]) release(c *Connection[S], reason string) {
	if !r.arena.Release(c.ref) {
		return
	}
	connectionsActive.Dec()
	state := ConnectionClosed
	if reason == "" {
		state = ConnectionUpgraded
	}
	r.settings.notify(ConnectionEvent{ID: c.id, RemoteAddr: c.stream.RemoteAddr(), State: state})
}

func (r *registry[S]) dispatch(ref ArenaRef, task func(responder)) bool {
	c, ok := r.arena.Get(ref)
	if !ok {
		return false
	}
	c.exec.Dispatch(func() { task(c) })
	return true
}

func (r *registry[S]) len() int { return r.arena.Len() }

// closeAll asks every live connection to close.
func (r *registry[S]) closeAll() {
	for _, c := range r.arena.Snapshot() {
		c.Close()
	}
}
