package workflow

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// StreamState is the progress of one chat request.
type StreamState int

const (
	StreamPending StreamState = iota
	StreamAcknowledged
	StreamStreaming
	StreamCompleted
	StreamCancelling
	StreamCancelled
	StreamFailed
)

func (s StreamState) String() string {
	switch s {
	case StreamPending:
		return "pending"
	case StreamAcknowledged:
		return "acknowledged"
	case StreamStreaming:
		return "streaming"
	case StreamCompleted:
		return "completed"
	case StreamCancelling:
		return "cancelling"
	case StreamCancelled:
		return "cancelled"
	case StreamFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further progress will happen.
func (s StreamState) Terminal() bool {
	return s == StreamCompleted || s == StreamCancelled || s == StreamFailed
}

// Fragment is one chat response piece as delivered to observers.
type Fragment struct {
	RequestID      string
	ID             string
	Text           string
	IsLastFragment bool
}

// StreamStatus lets callers follow one chat request fragment by fragment.
type StreamStatus struct {
	requestID string

	mu        sync.Mutex
	state     StreamState
	text      strings.Builder
	err       error
	observers []func(Fragment)
	done      chan struct{}
}

func newStreamStatus(requestID string) *StreamStatus {
	return &StreamStatus{requestID: requestID, done: make(chan struct{})}
}

// RequestID returns the id the chat request was sent with.
func (st *StreamStatus) RequestID() string { return st.requestID }

// State returns the current progress.
func (st *StreamStatus) State() StreamState {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

// Text returns everything received so far.
func (st *StreamStatus) Text() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.text.String()
}

// Err returns why the request failed, if it did.
func (st *StreamStatus) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

// Done is closed when the request reaches a terminal state.
func (st *StreamStatus) Done() <-chan struct{} { return st.done }

// Wait blocks until the request finishes or ctx ends and returns the full text.
func (st *StreamStatus) Wait(ctx context.Context) (string, error) {
	select {
	case <-st.done:
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.state == StreamCancelled && st.err == nil {
			return st.text.String(), context.Canceled
		}
		return st.text.String(), st.err
	case <-ctx.Done():
		return st.Text(), ctx.Err()
	}
}

// OnFragment registers fn for every subsequent fragment. Observers run on the receive path
// and must not block.
func (st *StreamStatus) OnFragment(fn func(Fragment)) {
	st.mu.Lock()
	st.observers = append(st.observers, fn)
	st.mu.Unlock()
}

func (st *StreamStatus) setState(s StreamState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.state.Terminal() {
		st.state = s
	}
}

func (st *StreamStatus) append(f Fragment) {
	st.mu.Lock()
	if st.state.Terminal() {
		st.mu.Unlock()
		return
	}
	st.text.WriteString(f.Text)
	st.state = StreamStreaming
	observers := slices.Clone(st.observers)
	st.mu.Unlock()

	for _, fn := range observers {
		fn(f)
	}
}

func (st *StreamStatus) finish(s StreamState, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state.Terminal() {
		return
	}
	st.state = s
	st.err = err
	close(st.done)
}
