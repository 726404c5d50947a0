package tunnel

import (
	"context"
	"net"
	"testing"
	"time"
)

func dialAgent(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial agent: %v", err)
	}
	return conn
}

func TestAgentCheckoutMatchesAdmittedSocket(t *testing.T) {
	var events []Event
	a := NewAgent("testclient", 2, time.Minute, 2*time.Second, 4, func(e Event, _ *Agent) {
		events = append(events, e)
	})

	addr, err := a.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	conn := dialAgent(t, addr)
	defer conn.Close()

	deadline := time.After(time.Second)
	for {
		if a.Stats().ConnectedSockets == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("socket never admitted")
		case <-time.After(5 * time.Millisecond):
		}
	}

	s, err := a.Checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if s == nil {
		t.Fatal("checkout returned nil socket")
	}

	stats := a.Stats()
	if stats.ConnectedSockets != 1 || stats.AvailableSockets != 0 {
		t.Fatalf("unexpected stats after checkout: %+v", stats)
	}

	a.Release(s)
	stats = a.Stats()
	if stats.AvailableSockets != 1 {
		t.Fatalf("expected socket back in available, got %+v", stats)
	}

	if len(events) == 0 || events[0] != Online {
		t.Fatalf("expected Online event first, got %v", events)
	}
}

func TestAgentRefusesOverBudget(t *testing.T) {
	a := NewAgent("testclient", 1, time.Minute, time.Second, 4, nil)
	addr, err := a.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	first := dialAgent(t, addr)
	defer first.Close()

	deadline := time.After(time.Second)
	for a.Stats().ConnectedSockets != 1 {
		select {
		case <-deadline:
			t.Fatal("first socket never admitted")
		case <-time.After(5 * time.Millisecond):
		}
	}

	second := dialAgent(t, addr)
	defer second.Close()

	buf := make([]byte, 1)
	second.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := second.Read(buf); err == nil {
		t.Fatal("expected the over-budget connection to be closed by the agent")
	}

	if stats := a.Stats(); stats.ConnectedSockets != 1 {
		t.Fatalf("expected connectedSockets to stay at 1, got %+v", stats)
	}
}

func TestAgentCheckoutTimesOutWhenEmpty(t *testing.T) {
	a := NewAgent("testclient", 1, time.Minute, 20*time.Millisecond, 4, nil)
	if _, err := a.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	_, err := a.Checkout(context.Background())
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	stats := a.Stats()
	if stats.Waiters != 0 {
		t.Fatalf("expected abandoned waiter to be cleaned up, got %+v", stats)
	}
}

func TestAgentWaiterQueueCap(t *testing.T) {
	a := NewAgent("testclient", 1, time.Minute, time.Second, 1, nil)
	if _, err := a.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	done := make(chan struct{})
	go func() {
		a.Checkout(context.Background())
		close(done)
	}()

	deadline := time.After(time.Second)
	for a.Stats().Waiters != 1 {
		select {
		case <-deadline:
			t.Fatal("first waiter never parked")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := a.Checkout(context.Background()); err != ErrOverloaded {
		t.Fatalf("expected ErrOverloaded, got %v", err)
	}

	a.Destroy()
	<-done
}

func TestAgentDestroyFailsWaitersAndEmitsEnd(t *testing.T) {
	var events []Event
	a := NewAgent("testclient", 1, time.Minute, time.Minute, 4, func(e Event, _ *Agent) {
		events = append(events, e)
	})
	if _, err := a.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Checkout(context.Background())
		errCh <- err
	}()

	deadline := time.After(time.Second)
	for a.Stats().Waiters != 1 {
		select {
		case <-deadline:
			t.Fatal("waiter never parked")
		case <-time.After(5 * time.Millisecond):
		}
	}

	a.Destroy()

	if err := <-errCh; err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if len(events) == 0 || events[len(events)-1] != End {
		t.Fatalf("expected End as last event, got %v", events)
	}
}

func TestAgentDetectsPeerCloseWhileIdle(t *testing.T) {
	a := NewAgent("testclient", 2, time.Minute, time.Second, 4, nil)
	addr, err := a.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	conn := dialAgent(t, addr)

	deadline := time.After(time.Second)
	for a.Stats().AvailableSockets != 1 {
		select {
		case <-deadline:
			t.Fatal("socket never settled into available")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Close the peer side while the socket sits idle in the pool, well
	// short of the minute-long idle timeout — only the liveness watch's
	// peek-read can notice this.
	conn.Close()

	deadline = time.After(time.Second)
	for a.Stats().ConnectedSockets != 0 {
		select {
		case <-deadline:
			t.Fatal("agent never reaped the peer-closed idle socket")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if stats := a.Stats(); stats.AvailableSockets != 0 {
		t.Fatalf("expected the dead socket removed from available, got %+v", stats)
	}
}

func TestNormalizeIPFoldsV4InV6(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("::ffff:192.0.2.10"), Port: 1234}
	if got := normalizeIP(addr); got != "192.0.2.10" {
		t.Fatalf("expected folded IPv4, got %q", got)
	}
}
