package h1

import (
	"os"
)

// RequestID identifies a request within one connection. IDs are assigned in
// arrival order and never reused; responses are written in ID order.
type RequestID uint64

// ResponseFlags accompany every response part appended to a slot.
type ResponseFlags struct {
	// Final marks the last part of the response.
	Final bool
	// ShouldClose promises that the connection closes after this response.
	ShouldClose bool
}

// FileItem is a zero-copy file region. The engine closes File once the
// region has been sent or discarded.
type FileItem struct {
	File   *os.File
	Offset int64
	Size   int64
}

// WritableItem is one piece of response output: either a byte buffer or a
// file region.
type WritableItem struct {
	Data []byte
	File *FileItem
}

// Bytes wraps b as a writable item.
func Bytes(b []byte) WritableItem { return WritableItem{Data: b} }

// String wraps s as a writable item.
func String(s string) WritableItem { return WritableItem{Data: []byte(s)} }

// File wraps a file region as a writable item.
func File(f *os.File, offset, size int64) WritableItem {
	return WritableItem{File: &FileItem{File: f, Offset: offset, Size: size}}
}

func (it WritableItem) discard() {
	if it.File != nil && it.File.File != nil {
		_ = it.File.File.Close()
	}
}

func discardItems(items []WritableItem) {
	for _, it := range items {
		it.discard()
	}
}

type slotState uint8

const (
	slotPending slotState = iota
	slotReady
	slotReleased
)

type responseSlot struct {
	id          RequestID
	state       slotState
	items       []WritableItem
	shouldClose bool
	owner       *ResponseHandle
}

func (s *responseSlot) reinit(id RequestID) {
	s.id = id
	s.state = slotPending
	s.items = s.items[:0]
	s.shouldClose = false
	s.owner = nil
}

// clearItems drops the references to n handed out items so the slot's
// backing array does not pin them, and removes them from the slot.
func (s *responseSlot) clearItems(n int) {
	clear(s.items[:n])
	s.items = s.items[n:]
}

func (s *responseSlot) final() bool { return s.state == slotReady }

// OutputKind tells what PopReadyBufs produced.
type OutputKind uint8

const (
	OutputNothing OutputKind = iota
	OutputTrivial
	OutputFile
)

// Output is a contiguous run of flushable data from the front slot. Trivial
// buffers and file regions are never mixed.
type Output struct {
	Kind OutputKind
	Bufs [][]byte
	File FileItem
}

// Coordinator is the bounded response slot ring of one connection. It turns
// out-of-order handler completion into in-order output: only the front slot
// ever contributes data.
//
// A Coordinator is not safe for concurrent use; it belongs to the
// connection's executor.
type Coordinator struct {
	slots []responseSlot
	first int
	count int

	nextID RequestID

	closed       bool
	closeID      RequestID
	closeFlushed bool
}

// NewCoordinator creates a ring holding at most maxPipelined slots.
func NewCoordinator(maxPipelined int) *Coordinator {
	if maxPipelined < 1 {
		maxPipelined = 1
	}
	return &Coordinator{slots: make([]responseSlot, maxPipelined)}
}

// Closed reports that a response promised to close the connection; no more
// requests can be registered.
func (c *Coordinator) Closed() bool { return c.closed }

// Empty reports that no slot is held.
func (c *Coordinator) Empty() bool { return c.count == 0 }

// IsFull reports that every slot is held.
func (c *Coordinator) IsFull() bool { return c.count == len(c.slots) }

// Len returns the number of held slots.
func (c *Coordinator) Len() int { return c.count }

// Cap returns the ring capacity.
func (c *Coordinator) Cap() int { return len(c.slots) }

// IsAbleToGetMoreMessages reports whether a new request may be registered.
func (c *Coordinator) IsAbleToGetMoreMessages() bool { return !c.closed && !c.IsFull() }

// HasPending reports whether any held slot still waits for its final part.
func (c *Coordinator) HasPending() bool {
	for i := 0; i < c.count; i++ {
		if !c.at(i).final() {
			return true
		}
	}
	return false
}

// CloseFlushed reports that the response which promised to close the
// connection has been written completely.
func (c *Coordinator) CloseFlushed() bool { return c.closeFlushed }

// RegisterNewRequest allocates the next request id and a pending slot for it.
func (c *Coordinator) RegisterNewRequest() (RequestID, error) {
	if c.closed {
		return 0, ErrCoordinatorClosed
	}
	if c.IsFull() {
		return 0, ErrCoordinatorFull
	}
	id := c.nextID
	c.slots[(c.first+c.count)%len(c.slots)].reinit(id)
	c.count++
	c.nextID++
	return id, nil
}

// Bind records the handle answering id. Discard settles it when the slot is
// dropped before the handle completes.
func (c *Coordinator) Bind(id RequestID, h *ResponseHandle) {
	if s := c.get(id); s != nil {
		s.owner = h
	}
}

// AppendResponse adds response parts to the slot of id. It returns
// ErrStaleRequest, leaving the ring untouched, when the slot is gone or
// already final.
func (c *Coordinator) AppendResponse(id RequestID, flags ResponseFlags, items ...WritableItem) error {
	s := c.get(id)
	if s == nil || s.final() {
		return ErrStaleRequest
	}
	for _, it := range items {
		if it.File == nil && len(it.Data) == 0 {
			continue
		}
		s.items = append(s.items, it)
	}
	if flags.ShouldClose {
		s.shouldClose = true
		if !c.closed || id < c.closeID {
			c.closeID = id
		}
		c.closed = true
	}
	if flags.Final {
		s.state = slotReady
	}
	return nil
}

// PopReadyBufs takes the next flushable run from the front slot. Later slots
// never contribute, even when they are ready.
func (c *Coordinator) PopReadyBufs() Output {
	if c.count == 0 || c.closeFlushed {
		return Output{}
	}
	front := c.at(0)
	if len(front.items) == 0 {
		return Output{}
	}
	if f := front.items[0].File; f != nil {
		front.clearItems(1)
		return Output{Kind: OutputFile, File: *f}
	}
	n := 0
	for n < len(front.items) && front.items[n].File == nil {
		n++
	}
	bufs := make([][]byte, n)
	for i := 0; i < n; i++ {
		bufs[i] = front.items[i].Data
	}
	front.clearItems(n)
	return Output{Kind: OutputTrivial, Bufs: bufs}
}

// ReleaseFlushed releases the front slot once it is final and all of its
// output has been handed out and written. It reports whether a slot was
// released.
func (c *Coordinator) ReleaseFlushed() bool {
	if c.count == 0 || c.closeFlushed {
		return false
	}
	front := c.at(0)
	if !front.final() || len(front.items) != 0 {
		return false
	}
	if front.shouldClose && front.id == c.closeID {
		c.closeFlushed = true
	}
	front.state = slotReleased
	front.items = front.items[:0]
	front.owner = nil
	c.first = (c.first + 1) % len(c.slots)
	c.count--
	return true
}

// Discard drops every held slot, closes pending file items and settles the
// handles of slots that were never answered.
func (c *Coordinator) Discard() {
	var owners []*ResponseHandle
	for i := 0; i < c.count; i++ {
		s := c.at(i)
		discardItems(s.items)
		s.clearItems(len(s.items))
		s.state = slotReleased
		if s.owner != nil {
			owners = append(owners, s.owner)
			s.owner = nil
		}
	}
	c.count = 0
	for _, h := range owners {
		h.settle(false)
	}
}

func (c *Coordinator) at(i int) *responseSlot {
	return &c.slots[(c.first+i)%len(c.slots)]
}

func (c *Coordinator) get(id RequestID) *responseSlot {
	if c.count == 0 {
		return nil
	}
	front := c.at(0).id
	if id < front || id > front+RequestID(c.count-1) {
		return nil
	}
	return c.at(int(id - front))
}
