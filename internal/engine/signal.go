package engine

// signal is a coalescing wake-up: any number of notify calls before the
// receiver wakes collapse into one.
type signal struct {
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{}, 1)}
}

// notify never blocks.
func (s *signal) notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C returns the channel to receive wake-ups on.
func (s *signal) C() <-chan struct{} {
	return s.ch
}
