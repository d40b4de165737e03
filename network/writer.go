package network

import "sync"

// queuedWriter serializes outbound frames onto a single goroutine so Send
// never blocks on the medium and the buffered byte count is observable.
type queuedWriter struct {
	write func([]byte) error
	mark  *lowWatermark
	fail  func(error)

	mu       sync.Mutex
	frames   [][]byte
	buffered uint64

	wake chan struct{}
	done <-chan struct{}
}

func newQueuedWriter(write func([]byte) error, mark *lowWatermark, fail func(error), done <-chan struct{}) *queuedWriter {
	return &queuedWriter{
		write: write,
		mark:  mark,
		fail:  fail,
		wake:  make(chan struct{}, 1),
		done:  done,
	}
}

func (w *queuedWriter) enqueue(payload []byte) error {
	select {
	case <-w.done:
		return ErrChannelClosed
	default:
	}

	frame := append([]byte(nil), payload...)
	w.mu.Lock()
	w.frames = append(w.frames, frame)
	w.buffered += uint64(len(frame))
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

func (w *queuedWriter) bufferedAmount() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buffered
}

func (w *queuedWriter) run() {
	for {
		select {
		case <-w.wake:
		case <-w.done:
			return
		}

		for {
			w.mu.Lock()
			if len(w.frames) == 0 {
				w.mu.Unlock()
				break
			}
			frame := w.frames[0]
			w.frames[0] = nil
			w.frames = w.frames[1:]
			w.mu.Unlock()

			if err := w.write(frame); err != nil {
				w.fail(err)
				return
			}

			w.mu.Lock()
			before := w.buffered
			w.buffered -= uint64(len(frame))
			after := w.buffered
			w.mu.Unlock()
			w.mark.crossed(before, after)
		}
	}
}
