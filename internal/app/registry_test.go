package app

import (
	"testing"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
)

type nopConn struct{ closed bool }

func (c *nopConn) TrySend(core.Frame) error { return nil }
func (c *nopConn) Close()                   { c.closed = true }

func session(p domain.ParticipantID, conn domain.ConnID) core.MemberSession {
	return core.NewMemberSession(domain.NewMember(p, conn), &nopConn{})
}

func TestRegistryBindReturnsPrevious(t *testing.T) {
	r := NewRegistry()
	canceled := false
	old := session("a", "c1")
	if prev, _ := r.BindSignal(old, func() { canceled = true }); prev != nil {
		t.Fatalf("first bind returned %v", prev)
	}
	prev, prevCancel := r.BindSignal(session("a", "c2"), nil)
	if prev != old {
		t.Fatalf("prev=%v, want the first session", prev)
	}
	prevCancel()
	if !canceled {
		t.Fatalf("returned cancel func is not the stale one")
	}
	if r.Count() != 1 {
		t.Fatalf("count=%d, want 1", r.Count())
	}
}

func TestRegistryIgnoresStaleConnection(t *testing.T) {
	r := NewRegistry()
	r.BindSignal(session("a", "c1"), nil)
	r.BindSignal(session("a", "c2"), nil)

	if r.UpdateRoom("a", "c1", "r1") {
		t.Fatalf("stale connection updated the room")
	}
	if !r.UpdateRoom("a", "c2", "r1") {
		t.Fatalf("live connection could not update the room")
	}
	if _, _, ok := r.RoomOf("a", "c1"); ok {
		t.Fatalf("stale connection resolved a room")
	}
	if room, _, ok := r.RoomOf("a", "c2"); !ok || room != "r1" {
		t.Fatalf("room=%q ok=%v, want r1", room, ok)
	}
	if r.Unbind("a", "c1") {
		t.Fatalf("stale unbind removed the live session")
	}
	r.RemoveRoom("a", "c2")
	if _, _, ok := r.RoomOf("a", "c2"); ok {
		t.Fatalf("room association survived RemoveRoom")
	}
	if !r.Unbind("a", "c2") {
		t.Fatalf("live unbind failed")
	}
	if _, ok := r.GetSession("a"); ok {
		t.Fatalf("session still present")
	}
}

func TestRegistryCancelAll(t *testing.T) {
	r := NewRegistry()
	n := 0
	r.BindSignal(session("a", "c1"), func() { n++ })
	r.BindSignal(session("b", "c2"), func() { n++ })
	r.BindSignal(session("c", "c3"), nil)
	r.CancelAll()
	if n != 2 {
		t.Fatalf("canceled=%d, want 2", n)
	}
}

func TestRoomManagerRemoveIfEmpty(t *testing.T) {
	m := NewRoomManager()
	room := m.GetOrCreate("r1")
	if m.GetOrCreate("r1") != room {
		t.Fatalf("GetOrCreate returned a second room for the same id")
	}
	room.Join(session("a", "c1"), nil, nil)
	if m.RemoveIfEmpty("r1") {
		t.Fatalf("occupied room removed")
	}
	room.Leave("a", "c1", nil)
	if !m.RemoveIfEmpty("r1") {
		t.Fatalf("empty room kept")
	}
	if _, ok := m.Get("r1"); ok {
		t.Fatalf("room still listed")
	}
	if m.GetOrCreate("r1") == room {
		t.Fatalf("closed room handed out again")
	}
	if m.Count() != 1 || len(m.List()) != 1 {
		t.Fatalf("count=%d list=%v", m.Count(), m.List())
	}
}

func TestPolicyFromString(t *testing.T) {
	tests := []struct {
		in      string
		want    BackpressureAction
		wantErr bool
	}{
		{"", DropFrame, false},
		{"drop", DropFrame, false},
		{"kick", KickMember, false},
		{"explode", NoAction, true},
	}
	for _, tt := range tests {
		p, err := PolicyFromString(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%q: err=%v", tt.in, err)
		}
		if err != nil {
			continue
		}
		if got := p.OnBackPressure("r", nil); got != tt.want {
			t.Fatalf("%q: action=%v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRegistryRemoveRoomKeepsLiveAssociation(t *testing.T) {
	r := NewRegistry()
	r.BindSignal(session("a", "c1"), nil)
	r.BindSignal(session("a", "c2"), nil)
	r.UpdateRoom("a", "c2", "r1")

	if r.RemoveRoom("a", "c1") {
		t.Fatal("stale connection cleared the room")
	}
	if room, _, ok := r.RoomOf("a", "c2"); !ok || room != "r1" {
		t.Fatalf("room=%q ok=%v, want r1", room, ok)
	}
	if !r.RemoveRoom("a", "c2") {
		t.Fatal("live connection could not clear the room")
	}
	if r.IsCurrent("a", "c1") || !r.IsCurrent("a", "c2") {
		t.Fatal("IsCurrent disagrees with the binding")
	}
}
