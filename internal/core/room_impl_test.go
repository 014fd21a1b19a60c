package core

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/dkeye/meshcall/internal/domain"
)

type recordingConn struct {
	mu     sync.Mutex
	frames []string
	full   bool
}

func (c *recordingConn) TrySend(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return errors.New("full")
	}
	c.frames = append(c.frames, string(f))
	return nil
}

func (c *recordingConn) Close() {}

func (c *recordingConn) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...)
}

func newMember(p string, conn domain.ConnID) (MemberSession, *recordingConn) {
	rc := &recordingConn{}
	return NewMemberSession(domain.NewMember(domain.ParticipantID(p), conn), rc), rc
}

func TestRoomJoinAnnouncesToOthersOnly(t *testing.T) {
	room := NewRoomService(&domain.Room{ID: "r1"})

	a, aConn := newMember("a", "c-a")
	b, bConn := newMember("b", "c-b")

	if _, _, err := room.Join(a, Frame("presence:a"), nil); err != nil {
		t.Fatalf("join a: %v", err)
	}
	res, replaced, err := room.Join(b, Frame("presence:b"), nil)
	if err != nil {
		t.Fatalf("join b: %v", err)
	}
	if replaced {
		t.Fatalf("join b reported a replaced entry")
	}
	if res.SendTo != 1 || len(res.Dropped) != 0 {
		t.Fatalf("res=%+v, want SendTo=1", res)
	}
	if got := aConn.received(); len(got) != 1 || got[0] != "presence:b" {
		t.Fatalf("a received %v, want [presence:b]", got)
	}
	if got := bConn.received(); len(got) != 0 {
		t.Fatalf("b received %v, want nothing", got)
	}
}

func TestRoomLeaveIgnoresStaleConnection(t *testing.T) {
	room := NewRoomService(&domain.Room{ID: "r1"})
	old, _ := newMember("a", "old")
	fresh, _ := newMember("a", "new")
	other, otherConn := newMember("b", "c-b")

	room.Join(other, nil, nil)
	room.Join(old, nil, nil)
	if _, replaced, _ := room.Join(fresh, nil, nil); !replaced {
		t.Fatalf("expected the fresh connection to replace the stale entry")
	}

	if _, removed := room.Leave("a", "old", Frame("gone:a")); removed {
		t.Fatalf("stale connection removed the fresh entry")
	}
	if !room.Has("a") {
		t.Fatalf("a missing after stale leave")
	}
	if _, removed := room.Leave("a", "new", Frame("gone:a")); !removed {
		t.Fatalf("leave with the current connection did not remove a")
	}
	if got := otherConn.received(); len(got) != 1 || got[0] != "gone:a" {
		t.Fatalf("b received %v, want one departure", got)
	}
	if _, removed := room.Leave("a", "", nil); removed {
		t.Fatalf("second leave reported a removal")
	}
}

func TestRoomSendToUnknownMember(t *testing.T) {
	room := NewRoomService(&domain.Room{ID: "r1"})
	if _, err := room.SendTo("ghost", Frame("x")); !errors.Is(err, ErrMemberNotFound) {
		t.Fatalf("err=%v, want ErrMemberNotFound", err)
	}
}

func TestRoomClosedRejectsJoin(t *testing.T) {
	room := NewRoomService(&domain.Room{ID: "r1"})
	if !room.CloseIfEmpty() {
		t.Fatalf("empty room did not close")
	}
	a, _ := newMember("a", "c")
	if _, _, err := room.Join(a, nil, nil); !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("err=%v, want ErrRoomClosed", err)
	}
}

func TestRoomRejectsSupersededJoin(t *testing.T) {
	room := NewRoomService(&domain.Room{ID: "r1"})
	fresh, _ := newMember("b", "new")
	if _, _, err := room.Join(fresh, nil, func() bool { return true }); err != nil {
		t.Fatalf("join: %v", err)
	}
	stale, _ := newMember("b", "old")
	if _, _, err := room.Join(stale, Frame("presence:b"), func() bool { return false }); !errors.Is(err, ErrStaleMember) {
		t.Fatalf("err=%v, want ErrStaleMember", err)
	}
	if _, removed := room.Leave("b", "old", nil); removed {
		t.Fatal("stale leave removed the live entry")
	}
	if !room.Has("b") {
		t.Fatal("live entry evicted")
	}
}

func TestRoomFanOutReportsDropped(t *testing.T) {
	room := NewRoomService(&domain.Room{ID: "r1"})
	slow, slowConn := newMember("slow", "c1")
	slowConn.full = true
	room.Join(slow, nil, nil)

	b, _ := newMember("b", "c2")
	res, _, _ := room.Join(b, Frame("presence:b"), nil)
	if len(res.Dropped) != 1 || res.Dropped[0] != slow {
		t.Fatalf("dropped=%v, want [slow]", res.Dropped)
	}
}

// Concurrent joins must be linearized: every pair of members sees exactly
// one presence event, delivered to whichever of the two joined first.
func TestRoomConcurrentJoinsAreLinearized(t *testing.T) {
	const n = 32
	room := NewRoomService(&domain.Room{ID: "r1"})
	conns := make([]*recordingConn, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		ms, rc := newMember(fmt.Sprintf("p%02d", i), domain.ConnID(fmt.Sprint(i)))
		conns[i] = rc
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := room.Join(ms, Frame("presence:"+string(ms.Meta().Participant)), nil); err != nil {
				t.Errorf("join: %v", err)
			}
		}()
	}
	wg.Wait()

	total := 0
	for _, rc := range conns {
		total += len(rc.received())
	}
	if want := n * (n - 1) / 2; total != want {
		t.Fatalf("presence deliveries=%d, want %d", total, want)
	}
	if room.MemberCount() != n {
		t.Fatalf("members=%d, want %d", room.MemberCount(), n)
	}
}
