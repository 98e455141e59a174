package httpapi

import (
	"net/http"
	"sync"
	"time"

	"supportchat/internal/chat"
	"supportchat/internal/sse"
)

// streamEmitter writes chat events as SSE frames and pings idle
// connections so proxies keep them open while the upstream is thinking.
type streamEmitter struct {
	enc      *sse.Encoder
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newStreamEmitter(w http.ResponseWriter, allowOrigin string, keepAlive time.Duration) (*streamEmitter, error) {
	enc, err := sse.NewEncoder(w, allowOrigin)
	if err != nil {
		return nil, err
	}
	em := &streamEmitter{enc: enc, done: make(chan struct{})}
	em.wg.Add(1)
	go em.ping(keepAlive)
	return em, nil
}

func (e *streamEmitter) ping(every time.Duration) {
	defer e.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-t.C:
			if err := e.enc.KeepAlive(); err != nil {
				return
			}
		}
	}
}

func (e *streamEmitter) Emit(ev chat.Event) error {
	if _, ok := ev.(chat.StreamEnd); ok {
		e.stop()
		e.enc.Close()
		return nil
	}
	frame, ok := chat.FrameOf(ev)
	if !ok {
		return nil
	}
	return e.enc.Encode(frame)
}

// stop ends the keepalive loop and waits for it, so nothing touches the
// response after the handler returns.
func (e *streamEmitter) stop() {
	e.stopOnce.Do(func() { close(e.done) })
	e.wg.Wait()
}
