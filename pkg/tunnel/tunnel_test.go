package tunnel

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

type fakeConn struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeConn) Dial(network, addr string) (net.Conn, error) {
	return nil, errors.New("no egress in tests")
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testManager(candidatePorts []int) *Manager {
	m := NewManager(Config{
		ConnectTimeout: time.Second,
		LoginTimeout:   time.Second,
		CandidatePorts: candidatePorts,
	})
	m.checkIP = func(ctx context.Context, proxyAddr string) (string, error) {
		return "203.0.113.7", nil
	}
	return m
}

func TestEstablishRacesCandidatesAndCachesWinner(t *testing.T) {
	m := testManager([]int{2222, 22})

	var mu sync.Mutex
	var attempts []int
	m.dial = func(ctx context.Context, host string, port int, username, password string) (sshConn, error) {
		mu.Lock()
		attempts = append(attempts, port)
		mu.Unlock()
		if port == 2222 {
			return &fakeConn{}, nil
		}
		// The slow candidate only returns once the race cancels it.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &fakeConn{}, nil
		}
	}

	fwd, err := m.Establish(context.Background(), "10.0.0.5", "a", "b", 0)
	if err != nil {
		t.Fatalf("Err: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		first := len(attempts)
		mu.Unlock()
		if first == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected both candidates attempted, got %v", attempts)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if cached, ok := m.CachedPort("10.0.0.5", "a", "b"); !ok || cached != 2222 {
		t.Fatalf("winner not cached, got %d %v", cached, ok)
	}
	if err := m.KillOnPort(fwd.LocalPort); err != nil {
		t.Fatalf("Err: %v", err)
	}

	// A reconnect for the same triple must only try the cached winner.
	mu.Lock()
	attempts = nil
	mu.Unlock()
	fwd, err = m.Establish(context.Background(), "10.0.0.5", "a", "b", 0)
	if err != nil {
		t.Fatalf("Err: %v", err)
	}
	defer m.KillOnPort(fwd.LocalPort)
	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 1 || attempts[0] != 2222 {
		t.Fatalf("expected only cached port attempted, got %v", attempts)
	}
}

func TestEstablishAggregatesAllFailures(t *testing.T) {
	m := testManager([]int{2222, 22})
	m.dial = func(ctx context.Context, host string, port int, username, password string) (sshConn, error) {
		return nil, errors.Errorf("refused on %d", port)
	}

	_, err := m.Establish(context.Background(), "10.0.0.5", "a", "b", 0)
	if err == nil {
		t.Fatalf("expected failure when every candidate fails")
	}
	var terr *TunnelError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TunnelError, got %T: %v", err, err)
	}
	if len(m.Forwards()) != 0 {
		t.Fatalf("failed establishment left a forward registered")
	}
}

func TestEstablishTearsDownOnVerificationFailure(t *testing.T) {
	m := testManager([]int{22})
	conn := &fakeConn{}
	m.dial = func(ctx context.Context, host string, port int, username, password string) (sshConn, error) {
		return conn, nil
	}
	m.checkIP = func(ctx context.Context, proxyAddr string) (string, error) {
		return "", errors.New("proxy unreachable")
	}

	_, err := m.Establish(context.Background(), "10.0.0.5", "a", "b", 0)
	var terr *TunnelError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TunnelError, got %v", err)
	}
	if !conn.isClosed() {
		t.Fatalf("ssh connection leaked after failed verification")
	}
	if len(m.Forwards()) != 0 {
		t.Fatalf("unverified forward left registered")
	}
}

func TestVerifyTearsDownThrowawayForward(t *testing.T) {
	m := testManager([]int{22})
	conn := &fakeConn{}
	m.dial = func(ctx context.Context, host string, port int, username, password string) (sshConn, error) {
		return conn, nil
	}

	if !m.Verify(context.Background(), "10.0.0.5", "a", "b") {
		t.Fatalf("expected verification to succeed")
	}
	if len(m.Forwards()) != 0 {
		t.Fatalf("verification forward left registered")
	}
	if !conn.isClosed() {
		t.Fatalf("verification connection leaked")
	}
}

func TestKillOnPortNotFound(t *testing.T) {
	m := testManager(nil)
	err := m.KillOnPort(5000)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEstablishReplacesForwardOnSamePort(t *testing.T) {
	m := testManager([]int{22})
	first := &fakeConn{}
	conns := []*fakeConn{first, {}}
	var calls int
	var mu sync.Mutex
	m.dial = func(ctx context.Context, host string, port int, username, password string) (sshConn, error) {
		mu.Lock()
		defer mu.Unlock()
		c := conns[calls%len(conns)]
		calls++
		return c, nil
	}

	localPort, err := FreePort()
	if err != nil {
		t.Fatalf("Err: %v", err)
	}
	if _, err := m.Establish(context.Background(), "10.0.0.5", "a", "b", localPort); err != nil {
		t.Fatalf("Err: %v", err)
	}
	if _, err := m.Establish(context.Background(), "10.0.0.5", "a", "b", localPort); err != nil {
		t.Fatalf("Err: %v", err)
	}
	defer m.Shutdown()

	if got := len(m.Forwards()); got != 1 {
		t.Fatalf("expected a single forward on the port, got %d", got)
	}
	if !first.isClosed() {
		t.Fatalf("stale forward's connection not closed")
	}
}
