package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/kirillkom/docflow/internal/core/domain"
)

var (
	ErrObserverFull   = errors.New("observer buffer full")
	ErrObserverClosed = errors.New("observer closed")
)

// ChannelObserver buffers events for a single consumer goroutine.
type ChannelObserver struct {
	mu     sync.RWMutex
	ch     chan domain.StatusEvent
	closed bool
}

func NewChannelObserver(buffer int) *ChannelObserver {
	if buffer <= 0 {
		buffer = 16
	}
	return &ChannelObserver{ch: make(chan domain.StatusEvent, buffer)}
}

// Notify never blocks the publisher; a full buffer is reported as an error.
func (o *ChannelObserver) Notify(_ context.Context, event domain.StatusEvent) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return ErrObserverClosed
	}
	select {
	case o.ch <- event:
		return nil
	default:
		return ErrObserverFull
	}
}

func (o *ChannelObserver) Events() <-chan domain.StatusEvent {
	return o.ch
}

func (o *ChannelObserver) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.ch)
}
