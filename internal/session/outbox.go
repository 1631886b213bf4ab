package session

import (
	"context"
	"sync"
	"time"
)

// outbox serializes writes to one connection. Payloads are delivered in
// enqueue order; the first failed write stops it and reports through onFail.
type outbox struct {
	handle   Handle
	ch       chan []byte
	quit     chan struct{}
	stopOnce sync.Once
	timeout  time.Duration
	onFail   func(Handle, error)
}

func newOutbox(h Handle, size int, timeout time.Duration, onFail func(Handle, error)) *outbox {
	if size <= 0 {
		size = 1
	}
	o := &outbox{
		handle:  h,
		ch:      make(chan []byte, size),
		quit:    make(chan struct{}),
		timeout: timeout,
		onFail:  onFail,
	}
	go o.run()
	return o
}

// enqueue never blocks. It reports false when the buffer is full or the
// outbox is stopped.
func (o *outbox) enqueue(payload []byte) bool {
	select {
	case <-o.quit:
		return false
	default:
	}
	select {
	case o.ch <- payload:
		return true
	default:
		return false
	}
}

func (o *outbox) stop() {
	o.stopOnce.Do(func() { close(o.quit) })
}

func (o *outbox) run() {
	for {
		select {
		case <-o.quit:
			return
		case p := <-o.ch:
			ctx := context.Background()
			var cancel context.CancelFunc = func() {}
			if o.timeout > 0 {
				ctx, cancel = context.WithTimeout(ctx, o.timeout)
			}
			err := o.handle.Send(ctx, p)
			cancel()
			if err != nil {
				o.stop()
				if o.onFail != nil {
					o.onFail(o.handle, err)
				}
				return
			}
		}
	}
}
