package hub

import (
	"errors"
	"testing"
	"time"

	"github.com/kstaniek/go-mcpfd/internal/can"
)

func TestHub_Broadcast_DropDoesNotBlock(t *testing.T) {
	h := New()
	cl := NewClient(4, CapAll)
	h.Add(cl)
	defer h.Remove(cl)

	// Don't read from cl.Out to simulate slow client
	start := time.Now()
	for i := 0; i < 1000; i++ {
		h.Broadcast(can.Frame{CANID: 0x123 | can.CAN_EFF_FLAG})
	}
	elapsed := time.Since(start)
	if elapsed > time.Second {
		t.Fatalf("Broadcast took too long: %s", elapsed)
	}
	// Buffer should be full
	if len(cl.Out) != cap(cl.Out) {
		t.Fatalf("expected client buffer to be full, got len=%d cap=%d", len(cl.Out), cap(cl.Out))
	}
	if cl.Lagged() != 1000-4 {
		t.Fatalf("lagged=%d want %d", cl.Lagged(), 1000-4)
	}
	select {
	case <-cl.Closed:
		t.Fatalf("drop policy closed the client")
	default:
	}
}

func TestHub_Broadcast_KickClosesSlowClient(t *testing.T) {
	h := New()
	h.Policy = PolicyKick
	slow := NewClient(1, CapAll)
	h.Add(slow)
	defer h.Remove(slow)

	h.Broadcast(can.Frame{CANID: 1})
	h.Broadcast(can.Frame{CANID: 2})
	select {
	case <-slow.Closed:
	default:
		t.Fatalf("kick policy left the slow client open")
	}
	if slow.Lagged() != 1 {
		t.Fatalf("lagged=%d", slow.Lagged())
	}
	h.Remove(slow)
	h.Remove(slow)
	if h.Count() != 0 {
		t.Fatalf("count=%d", h.Count())
	}
}

func TestParsePolicy(t *testing.T) {
	for _, s := range []string{"drop", "kick"} {
		p, err := ParsePolicy(s)
		if err != nil || p.String() != s {
			t.Fatalf("%q -> %v, %v", s, p, err)
		}
	}
	if _, err := ParsePolicy("block"); !errors.Is(err, ErrPolicy) {
		t.Fatalf("err=%v", err)
	}
}

func TestHub_Broadcast_DropKeepsOthersFlowing(t *testing.T) {
	h := New()
	slow := NewClient(1, CapAll)
	fast := NewClient(16, CapAll)
	h.Add(slow)
	h.Add(fast)
	defer h.Remove(slow)
	defer h.Remove(fast)

	// Fill slow buffer
	h.Broadcast(can.Frame{CANID: 0x1 | can.CAN_EFF_FLAG})
	select {
	case <-slow.Out:
		// shouldn't happen; we intentionally don't read
	default:
	}

	// Now send bursts that would drop on slow but must be delivered to fast
	for i := 0; i < 10; i++ {
		h.Broadcast(can.Frame{CANID: 0x2 | can.CAN_EFF_FLAG})
	}

	got := 0
	timeout := time.After(200 * time.Millisecond)
loop:
	for {
		select {
		case <-fast.Out:
			got++
			if got >= 5 { // at least some got through
				break loop
			}
		case <-timeout:
			break loop
		}
	}
	if got == 0 {
		t.Fatalf("fast client did not receive any frames while slow was backpressured")
	}
}

func TestHub_Broadcast_FiltersByCaps(t *testing.T) {
	h := New()
	classic := NewClient(8, 0)
	full := NewClient(8, CapAll)
	h.Add(classic)
	h.Add(full)
	defer h.Remove(classic)
	defer h.Remove(full)

	fd := can.Frame{CANID: 0x10, Len: 12, Flags: can.CANFD_FDF}
	errFr := can.NewErrorFrame()
	plain := can.Frame{CANID: 0x11, Len: 2}
	for _, fr := range []can.Frame{fd, errFr, plain} {
		h.Broadcast(fr)
	}

	if len(classic.Out) != 1 {
		t.Fatalf("classic client got %d frames, want 1", len(classic.Out))
	}
	if got := <-classic.Out; got.CANID != plain.CANID {
		t.Fatalf("classic client got %#x", got.CANID)
	}
	if len(full.Out) != 3 {
		t.Fatalf("full client got %d frames, want 3", len(full.Out))
	}
}

func TestClient_Accepts(t *testing.T) {
	cases := []struct {
		caps Caps
		fr   can.Frame
		want bool
	}{
		{0, can.Frame{Len: 8}, true},
		{0, can.Frame{Len: 8, Flags: can.CANFD_FDF}, false},
		{CapFD, can.Frame{Len: 64}, true},
		{CapFD, can.NewErrorFrame(), false},
		{CapErrFrames, can.NewErrorFrame(), true},
	}
	for i, tc := range cases {
		c := &Client{Caps: tc.caps}
		if got := c.Accepts(&tc.fr); got != tc.want {
			t.Errorf("case %d: Accepts=%v want %v", i, got, tc.want)
		}
	}
}
