package cache

// Stream is a FIFO executor for bulk transfers. Operations submitted to
// one stream run in submission order on a dedicated goroutine, so a swap
// is asynchronous relative to compute on other streams but strictly
// ordered relative to later work on the same stream. Synchronize is the
// explicit dependency point; nothing ever waits implicitly.
type Stream struct {
	ops chan func()
}

// NewStream starts the stream's executor goroutine.
func NewStream() *Stream {
	s := &Stream{ops: make(chan func(), 64)}
	go func() {
		for op := range s.ops {
			op()
		}
	}()
	return s
}

// Submit enqueues op; it runs after every previously submitted op.
func (s *Stream) Submit(op func()) {
	s.ops <- op
}

// Synchronize blocks until every previously submitted op has completed.
func (s *Stream) Synchronize() {
	done := make(chan struct{})
	s.ops <- func() { close(done) }
	<-done
}

// Close drains and stops the executor. The stream must not be used
// afterwards.
func (s *Stream) Close() {
	s.Synchronize()
	close(s.ops)
}
