package keypointsource

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// DisabledSource produces nothing. It lets the daemon and its admin routes
// run without an inference device. Subscribers are tracked so their channels
// close on Unsubscribe or Close and readers unblock during shutdown.
type DisabledSource struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closing     bool
}

func NewDisabledSource() *DisabledSource {
	return &DisabledSource{
		subscribers: make(map[string]chan string),
	}
}

func (d *DisabledSource) Subscribe() (string, chan string) {
	id := uuid.NewString()
	ch := make(chan string)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		close(ch)
		return id, ch
	}
	d.subscribers[id] = ch
	return id, ch
}

func (d *DisabledSource) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
}

func (d *DisabledSource) Monitor(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func (d *DisabledSource) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return nil
	}
	d.closing = true
	for id, ch := range d.subscribers {
		close(ch)
		delete(d.subscribers, id)
	}
	return nil
}

func (d *DisabledSource) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/source-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("keypoint source disabled"))
	})
}
