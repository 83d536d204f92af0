package cozylife

import (
	"context"
	"sync"
	"sync/atomic"
)

// call records one Query or Control issued on a mockLink.
type call struct {
	op      string
	changes DataPoints
}

// MockLink is a scripted Link for device and poller tests.
type MockLink struct {
	mu       sync.Mutex
	word     int
	hasState bool
	state    DataPoints
	calls    []call

	// queryErrs are returned by successive queries before falling back to success.
	queryErrs   []error
	controlErr  error
	status      ConnStatus
	reconnects  atomic.Int32
	closed      atomic.Bool
	connectErr  error
	connectHits atomic.Int32
}

var _ Link = (*MockLink)(nil)

func NewMockLink(word int) *MockLink {
	return &MockLink{word: word, status: StatusConnected}
}

func (m *MockLink) Connect(context.Context) error {
	m.connectHits.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		m.status = StatusFaulted
		return m.connectErr
	}
	m.status = StatusConnected
	return nil
}

func (m *MockLink) Query(ctx context.Context) (DataPoints, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call{op: "query"})

	if len(m.queryErrs) > 0 {
		err := m.queryErrs[0]
		m.queryErrs = m.queryErrs[1:]
		if err != nil {
			m.status = StatusFaulted
			return nil, err
		}
	}

	m.status = StatusConnected
	m.state = DataPoints{"1": m.word}
	m.hasState = true
	return m.state.Clone(), nil
}

func (m *MockLink) Control(_ context.Context, changes DataPoints) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call{op: "control", changes: changes.Clone()})

	if m.controlErr != nil {
		return m.controlErr
	}
	if v, ok := changes["1"]; ok {
		m.word = v
	}
	m.state = m.state.Merge(changes)
	m.hasState = true
	return nil
}

func (m *MockLink) State() (DataPoints, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasState {
		return nil, false
	}
	return m.state.Clone(), true
}

func (m *MockLink) Status() ConnStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *MockLink) ScheduleReconnect() { m.reconnects.Add(1) }

func (m *MockLink) Stats() LinkStats { return LinkStats{Status: m.Status()} }

func (m *MockLink) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *MockLink) setWord(w int) {
	m.mu.Lock()
	m.word = w
	m.mu.Unlock()
}

func (m *MockLink) failNextQueries(errs ...error) {
	m.mu.Lock()
	m.queryErrs = append(m.queryErrs, errs...)
	m.mu.Unlock()
}

func (m *MockLink) recorded() []call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]call, len(m.calls))
	copy(out, m.calls)
	return out
}

// recordingNotifier collects notifications in order.
type recordingNotifier struct {
	mu     sync.Mutex
	states []ChannelState
}

func (r *recordingNotifier) Notify(s ChannelState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recordingNotifier) all() []ChannelState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChannelState, len(r.states))
	copy(out, r.states)
	return out
}

func (r *recordingNotifier) reset() {
	r.mu.Lock()
	r.states = nil
	r.mu.Unlock()
}
