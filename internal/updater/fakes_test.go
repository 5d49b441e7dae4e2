package updater

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/agent-updater/internal/manifest"
	"github.com/breeze-rmm/agent-updater/internal/transfer"
)

type fakeSource struct {
	m   *manifest.Manifest
	err error
}

func (f *fakeSource) Fetch(context.Context) (*manifest.Manifest, error) {
	return f.m, f.err
}

type fakeSub struct {
	events     chan transfer.Event
	done       chan struct{}
	closeCalls atomic.Int32
	once       sync.Once
}

func newFakeSub() *fakeSub {
	return &fakeSub{events: make(chan transfer.Event, 16), done: make(chan struct{})}
}

func (s *fakeSub) Events() <-chan transfer.Event { return s.events }
func (s *fakeSub) Done() <-chan struct{}         { return s.done }

func (s *fakeSub) Close() error {
	if s.closeCalls.Add(1) > 1 {
		return transfer.ErrNotSubscribed
	}
	s.once.Do(func() { close(s.done) })
	return nil
}

// closeFromService simulates the service dropping the subscription.
func (s *fakeSub) closeFromService() {
	s.once.Do(func() { close(s.done) })
}

type fakeService struct {
	mu         sync.Mutex
	subs       []*fakeSub
	next       int
	statuses   map[transfer.Handle]transfer.Status
	queryErr   error
	enqueueErr error
	removed    []transfer.Handle
	requests   []transfer.Request
	onEnqueue  func()
	queries    atomic.Int32
}

func newFakeService() *fakeService {
	return &fakeService{statuses: make(map[transfer.Handle]transfer.Status)}
}

func (f *fakeService) Subscribe() (transfer.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := newFakeSub()
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeService) Enqueue(_ context.Context, req transfer.Request) (transfer.Handle, error) {
	if f.onEnqueue != nil {
		f.onEnqueue()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return "", f.enqueueErr
	}
	f.next++
	h := transfer.Handle(fmt.Sprintf("h-%d", f.next))
	f.requests = append(f.requests, req)
	f.statuses[h] = transfer.Status{Handle: h, State: transfer.StatusRunning}
	return h, nil
}

func (f *fakeService) Query(_ context.Context, h transfer.Handle) (transfer.Status, error) {
	f.queries.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return transfer.Status{}, f.queryErr
	}
	st, ok := f.statuses[h]
	if !ok {
		return transfer.Status{}, transfer.ErrUnknownHandle
	}
	return st, nil
}

func (f *fakeService) Remove(_ context.Context, h transfer.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, h)
	return nil
}

func (f *fakeService) setStatus(h transfer.Handle, state transfer.State, reason int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[h] = transfer.Status{Handle: h, State: state, Reason: reason}
}

func (f *fakeService) sub(i int) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[i]
}

// broadcast delivers ev to every subscription, like a system-wide event.
func (f *fakeService) broadcast(ev transfer.Event) {
	f.mu.Lock()
	subs := append([]*fakeSub(nil), f.subs...)
	f.mu.Unlock()
	for _, s := range subs {
		select {
		case <-s.done:
		default:
			s.events <- ev
		}
	}
}

type fakeInstaller struct {
	calls atomic.Int32
	err   error
}

func (f *fakeInstaller) Install(context.Context) error {
	f.calls.Add(1)
	return f.err
}

var errBoom = errors.New("boom")
