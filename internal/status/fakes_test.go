package status

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTransport struct {
	frames    chan []byte
	errs      chan error
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan []byte, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadFrame() ([]byte, error) {
	select {
	case <-t.closed:
		return nil, net.ErrClosed
	default:
	}
	select {
	case f := <-t.frames:
		return f, nil
	case err := <-t.errs:
		return nil, err
	case <-t.closed:
		return nil, net.ErrClosed
	}
}

func (t *fakeTransport) Close() error {
	t.closes.Add(1)
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) send(frame string) {
	t.frames <- []byte(frame)
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	err        error
	gate       chan struct{}
	dials      int
	endpoints  []string
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (Transport, error) {
	d.mu.Lock()
	d.dials++
	d.endpoints = append(d.endpoints, endpoint)
	gate := d.gate
	err := d.err
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	tr := newFakeTransport()
	d.mu.Lock()
	d.transports = append(d.transports, tr)
	d.mu.Unlock()
	return tr, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) transport(t *testing.T, i int) *fakeTransport {
	t.Helper()
	var tr *fakeTransport
	waitFor(t, "transport dialled", func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		if len(d.transports) > i {
			tr = d.transports[i]
			return true
		}
		return false
	})
	return tr
}

var errBoom = errors.New("boom")

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
