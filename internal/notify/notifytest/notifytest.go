// Package notifytest provides Notifier doubles for service tests.
package notifytest

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"
	"github.com/tenderdesk/orggov/internal/notify"
)

// MockNotifier is a testify mock of notify.Notifier.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Send(ctx context.Context, to notify.Recipient, kind notify.Kind, data notify.Data) error {
	args := m.Called(ctx, to, kind, data)
	return args.Error(0)
}

// Sent is one recorded notification.
type Sent struct {
	To   notify.Recipient
	Kind notify.Kind
	Data notify.Data
}

// Recorder records every notification and fails sends addressed to FailFor.
type Recorder struct {
	mu      sync.Mutex
	sent    []Sent
	FailFor map[string]error
}

func (r *Recorder) Send(_ context.Context, to notify.Recipient, kind notify.Kind, data notify.Data) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.FailFor[to.Email]; ok {
		return err
	}
	r.sent = append(r.sent, Sent{To: to, Kind: kind, Data: data})
	return nil
}

// Sent returns the successful sends in order.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// Kinds returns the kinds of the successful sends in order.
func (r *Recorder) Kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Kind, len(r.sent))
	for i, s := range r.sent {
		out[i] = s.Kind
	}
	return out
}
