package router

import (
	"context"
	"sync"

	"github.com/arzzra/hasip/pkg/command"
	"github.com/arzzra/hasip/pkg/menu"
)

type fakeCall struct {
	name string

	mu      sync.Mutex
	ops     []string
	bridged Call
	err     error

	// playing закрывается StopPlayback, WaitPlayback ждет его
	playing chan struct{}
}

func newFakeCall(name string) *fakeCall {
	return &fakeCall{name: name}
}

func (c *fakeCall) record(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, op)
	return c.err
}

func (c *fakeCall) Ops() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

func (c *fakeCall) Hangup(context.Context) error { return c.record("hangup") }

func (c *fakeCall) Answer(_ context.Context, m *menu.Menu) error {
	if m != nil {
		return c.record("answer:" + m.Message)
	}
	return c.record("answer")
}

func (c *fakeCall) Transfer(_ context.Context, target string) error {
	return c.record("transfer:" + target)
}

func (c *fakeCall) SendDTMF(_ context.Context, digits string, method command.DTMFMethod) error {
	return c.record("dtmf:" + digits + ":" + string(method))
}

func (c *fakeCall) PlayAudioFile(_ context.Context, file string, cache bool) error {
	c.startPlaying()
	if cache {
		return c.record("play_file:" + file + ":cached")
	}
	return c.record("play_file:" + file)
}

func (c *fakeCall) PlayMessage(_ context.Context, message, language string, _ bool) error {
	c.startPlaying()
	return c.record("play_message:" + message + ":" + language)
}

func (c *fakeCall) startPlaying() {
	c.mu.Lock()
	c.playing = make(chan struct{})
	c.mu.Unlock()
}

func (c *fakeCall) WaitPlayback(ctx context.Context) error {
	c.mu.Lock()
	ch := c.playing
	c.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return c.record("wait_done")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeCall) StopPlayback(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, "stop")
	if c.playing != nil {
		select {
		case <-c.playing:
		default:
			close(c.playing)
		}
	}
	return c.err
}

func (c *fakeCall) BridgeAudio(_ context.Context, other Call) error {
	c.mu.Lock()
	c.bridged = other
	c.mu.Unlock()
	return c.record("bridge:" + other.(*fakeCall).name)
}

type fakeLine struct {
	name     string
	mu       sync.Mutex
	requests []DialRequest
	err      error
	onDial   func(req DialRequest)
}

func (l *fakeLine) Dial(_ context.Context, req DialRequest) error {
	l.mu.Lock()
	l.requests = append(l.requests, req)
	onDial := l.onDial
	l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	if onDial != nil {
		onDial(req)
	}
	return nil
}

func (l *fakeLine) Requests() []DialRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]DialRequest(nil), l.requests...)
}

type fakeLines struct {
	byIndex map[int]*fakeLine
	first   *fakeLine
}

func (l *fakeLines) Line(index int) (Line, bool) {
	line, ok := l.byIndex[index]
	if !ok {
		return nil, false
	}
	return line, true
}

func (l *fakeLines) First() (Line, bool) {
	if l.first == nil {
		return nil, false
	}
	return l.first, true
}

type serviceCall struct {
	Domain, Service, EntityID string
	Data                      map[string]any
}

type fakeServices struct {
	mu    sync.Mutex
	calls []serviceCall
	err   error
}

func (s *fakeServices) CallService(_ context.Context, domain, service, entityID string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, serviceCall{domain, service, entityID, data})
	return s.err
}

type recordingReporter struct {
	mu            sync.Mutex
	rejected      []error
	notInProgress []string
	lastSnapshot  []string
	already       []string
	snapshots     [][]string
	failures      []error
}

func (r *recordingReporter) Rejected(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, err)
}

func (r *recordingReporter) NotInProgress(id string, snapshot []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notInProgress = append(r.notInProgress, id)
	r.lastSnapshot = snapshot
}

func (r *recordingReporter) AlreadyInProgress(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.already = append(r.already, id)
}

func (r *recordingReporter) Snapshot(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, ids)
}

func (r *recordingReporter) CollaboratorFailed(_ command.Verb, _ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *countingMetrics) CommandDispatched(verb, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = map[string]int{}
	}
	m.counts[verb+"/"+result]++
}

func (m *countingMetrics) Count(verb, result string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[verb+"/"+result]
}
