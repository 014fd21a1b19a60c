package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/protocol"
)

type fakeTrack struct{ id string }

func (t fakeTrack) ID() string       { return t.id }
func (t fakeTrack) StreamID() string { return "local" }

type fakeHandle struct {
	mu      sync.Mutex
	stopped bool
}

func (h *fakeHandle) Tracks() []Track { return []Track{fakeTrack{"audio"}, fakeTrack{"video"}} }

func (h *fakeHandle) Stop() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
}

func (h *fakeHandle) isStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

type fakeMedia struct {
	mu      sync.Mutex
	err     error
	handles []*fakeHandle
}

func (m *fakeMedia) Acquire(context.Context) (MediaHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	h := &fakeHandle{}
	m.handles = append(m.handles, h)
	return h, nil
}

func (m *fakeMedia) acquired() []*fakeHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*fakeHandle(nil), m.handles...)
}

type fakeTransport struct {
	name   string
	events TransportEvents
	// offerGate, when set, holds CreateOffer until closed
	offerGate chan struct{}

	mu         sync.Mutex
	trackAdds  int
	offers     int
	answers    []string
	candidates []string
	rollbacks  int
	closed     bool
}

func (t *fakeTransport) AddTracks(tracks []Track) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trackAdds++
	return nil
}

func (t *fakeTransport) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	if t.offerGate != nil {
		select {
		case <-t.offerGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offers++
	return json.RawMessage(fmt.Sprintf(`{"type":"offer","sdp":"%s-%d"}`, t.name, t.offers)), nil
}

func (t *fakeTransport) AcceptOffer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(fmt.Sprintf(`{"type":"answer","sdp":"%s"}`, t.name)), nil
}

func (t *fakeTransport) AcceptAnswer(answer json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.answers = append(t.answers, string(answer))
	return nil
}

func (t *fakeTransport) AddCandidate(c json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.candidates = append(t.candidates, string(c))
	return nil
}

func (t *fakeTransport) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollbacks++
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) snapshot() (adds, offers int, answers, cands []string, closed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trackAdds, t.offers, append([]string(nil), t.answers...), append([]string(nil), t.candidates...), t.closed
}

type fakeFactory struct {
	mu         sync.Mutex
	gateOffers bool
	err        error
	created    map[domain.ParticipantID][]*fakeTransport
}

func (f *fakeFactory) NewTransport(remote domain.ParticipantID, ev TransportEvents) (PeerTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.created == nil {
		f.created = make(map[domain.ParticipantID][]*fakeTransport)
	}
	t := &fakeTransport{
		name:   fmt.Sprintf("%s#%d", remote, len(f.created[remote])+1),
		events: ev,
	}
	if f.gateOffers {
		t.offerGate = make(chan struct{})
	}
	f.created[remote] = append(f.created[remote], t)
	return t, nil
}

func (f *fakeFactory) transports(remote domain.ParticipantID) []*fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeTransport(nil), f.created[remote]...)
}

func (f *fakeFactory) all() []*fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeTransport
	for _, ts := range f.created {
		out = append(out, ts...)
	}
	return out
}

type fakeSender struct {
	out    chan protocol.Message
	onSend func(protocol.Message)
	err    error
}

func newFakeSender() *fakeSender {
	return &fakeSender{out: make(chan protocol.Message, 256)}
}

func (s *fakeSender) Send(m protocol.Message) error {
	if s.err != nil {
		return s.err
	}
	if s.onSend != nil {
		s.onSend(m)
	}
	s.out <- m
	return nil
}

type harness struct {
	t       *testing.T
	c       *Coordinator
	sender  *fakeSender
	factory *fakeFactory
	media   *fakeMedia
	events  chan SessionEvent
	tracks  chan domain.ParticipantID
}

func newHarness(t *testing.T, self domain.ParticipantID, tune func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		sender:  newFakeSender(),
		factory: &fakeFactory{},
		media:   &fakeMedia{},
		events:  make(chan SessionEvent, 1024),
		tracks:  make(chan domain.ParticipantID, 16),
	}
	opts := Options{
		Self:               self,
		Sender:             h.sender,
		Transports:         h.factory,
		Media:              h.media,
		NegotiationTimeout: 5 * time.Second,
		Observer:           func(e SessionEvent) { h.events <- e },
		OnRemoteTrack:      func(remote domain.ParticipantID, _ Track) { h.tracks <- remote },
	}
	if tune != nil {
		tune(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.c = c

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return h
}

func (h *harness) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	h.t.Cleanup(cancel)
	return ctx
}

func (h *harness) join(room domain.RoomID) {
	h.t.Helper()
	if err := h.c.Join(h.ctx(), room); err != nil {
		h.t.Fatalf("join: %v", err)
	}
	h.expectSent(protocol.TypeJoinRoom, "")
}

func (h *harness) deliver(m protocol.Message) {
	h.t.Helper()
	if err := h.c.Deliver(h.ctx(), m); err != nil {
		h.t.Fatalf("deliver: %v", err)
	}
}

func (h *harness) from(t protocol.Type, from domain.ParticipantID, payload string) {
	h.t.Helper()
	m := protocol.Message{Type: t, From: from}
	if payload != "" {
		m.RTCMessage = json.RawMessage(payload)
	}
	h.deliver(m)
}

func (h *harness) expectSent(t protocol.Type, to domain.ParticipantID) protocol.Message {
	h.t.Helper()
	select {
	case m := <-h.sender.out:
		if m.Type != t || m.To != to {
			h.t.Fatalf("sent %s to %q, want %s to %q", m.Type, m.To, t, to)
		}
		return m
	case <-time.After(2 * time.Second):
		h.t.Fatalf("nothing sent, want %s to %q", t, to)
	}
	return protocol.Message{}
}

// expectQuiet asserts nothing is sent. The loop is drained first so pending
// handlers have run.
func (h *harness) expectQuiet() {
	h.t.Helper()
	h.sessions()
	select {
	case m := <-h.sender.out:
		h.t.Fatalf("unexpected send: %s to %q", m.Type, m.To)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) sessions() []SessionInfo {
	h.t.Helper()
	out, err := h.c.Sessions(h.ctx())
	if err != nil {
		h.t.Fatalf("sessions: %v", err)
	}
	return out
}

func (h *harness) session(remote domain.ParticipantID) (SessionInfo, bool) {
	for _, s := range h.sessions() {
		if s.Remote == remote {
			return s, true
		}
	}
	return SessionInfo{}, false
}

func (h *harness) waitState(remote domain.ParticipantID, want State) SessionInfo {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := h.session(remote); ok && s.State == want {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	s, ok := h.session(remote)
	h.t.Fatalf("session %s: state=%v present=%v, want %v", remote, s.State, ok, want)
	return SessionInfo{}
}

func (h *harness) waitEvent(remote domain.ParticipantID, want State) SessionEvent {
	h.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-h.events:
			if e.Remote == remote && e.State == want {
				return e
			}
		case <-timeout:
			h.t.Fatalf("no %v event for %s", want, remote)
		}
	}
}

// stable drives a fresh Initiator session toward remote to Stable.
func (h *harness) stable(remote domain.ParticipantID) {
	h.t.Helper()
	h.from(protocol.TypePresence, remote, "")
	h.expectSent(protocol.TypeOffer, remote)
	h.from(protocol.TypeAnswer, remote, `{"type":"answer","sdp":"x"}`)
	h.waitState(remote, Stable)
}

var errBoom = errors.New("boom")
