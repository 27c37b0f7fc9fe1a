package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/kfsoftware/proxypool/pkg/db"
	"github.com/kfsoftware/proxypool/pkg/tunnel"
)

type completion struct {
	id      string
	updates map[string]interface{}
}

type unassignCall struct {
	portID       string
	credentialID string
	purge        bool
}

type fakeStore struct {
	mu            sync.Mutex
	ports         map[string]*db.Port
	usable        *db.Credential
	completedCred []completion
	completedPort []completion
	assigns       [][2]string
	unassigns     []unassignCall
}

func newFakeStore() *fakeStore {
	return &fakeStore{ports: map[string]*db.Port{}}
}

func (f *fakeStore) NextCredentialNeedingCheck() (*db.Credential, error) { return nil, nil }
func (f *fakeStore) NextPortNeedingCheck() (*db.Port, error)             { return nil, nil }

func (f *fakeStore) CompleteCredentialCheck(id string, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completedCred = append(f.completedCred, completion{id: id, updates: updates})
	return nil
}

func (f *fakeStore) CompletePortCheck(id string, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completedPort = append(f.completedPort, completion{id: id, updates: updates})
	return nil
}

func (f *fakeStore) UsableCredentialForPort(port *db.Port, unique bool) (*db.Credential, error) {
	return f.usable, nil
}

func (f *fakeStore) Assign(portID, credentialID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assigns = append(f.assigns, [2]string{portID, credentialID})
	return nil
}

func (f *fakeStore) Unassign(portID, credentialID string, purgeHistory bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unassigns = append(f.unassigns, unassignCall{portID: portID, credentialID: credentialID, purge: purgeHistory})
	return nil
}

func (f *fakeStore) PortByID(id string) (*db.Port, error) {
	return f.ports[id], nil
}

type fakeTunnels struct {
	mu           sync.Mutex
	verifyResult bool
	establishErr error
	externalIP   string
	established  []int
	killed       []int
}

func (f *fakeTunnels) Establish(ctx context.Context, host, username, password string, localPort int) (*tunnel.Forward, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.establishErr != nil {
		return nil, f.establishErr
	}
	f.established = append(f.established, localPort)
	return &tunnel.Forward{
		LocalPort:  localPort,
		Host:       "localhost",
		ProxyType:  "socks5",
		ExternalIP: f.externalIP,
	}, nil
}

func (f *fakeTunnels) Verify(ctx context.Context, host, username, password string) bool {
	return f.verifyResult
}

func (f *fakeTunnels) KillOnPort(localPort int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, localPort)
	return nil
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func TestRunStopsOnCancel(t *testing.T) {
	store := newFakeStore()
	tunnels := &fakeTunnels{}
	checker := NewCredentialChecker(store, tunnels, 3)
	checker.idleWait = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pool did not drain after cancellation")
	}
}

func TestCheckerRecordsLiveness(t *testing.T) {
	store := newFakeStore()
	tunnels := &fakeTunnels{verifyResult: true}
	checker := NewCredentialChecker(store, tunnels, 1)

	cred := &db.Credential{ID: "c1", Host: "10.0.0.1"}
	checker.checkOne(context.Background(), cred)

	if len(store.completedCred) != 1 {
		t.Fatalf("expected one completion, got %d", len(store.completedCred))
	}
	if live, ok := store.completedCred[0].updates["is_live"].(bool); !ok || !live {
		t.Fatalf("liveness not recorded: %+v", store.completedCred[0].updates)
	}
	if len(store.unassigns) != 0 {
		t.Fatalf("live credential must not be unassigned")
	}
}

func TestCheckerReleasesPortOfDeadCredential(t *testing.T) {
	store := newFakeStore()
	store.ports["p1"] = &db.Port{ID: "p1", Number: 30000, CredentialID: strPtr("c1")}
	tunnels := &fakeTunnels{verifyResult: false}
	checker := NewCredentialChecker(store, tunnels, 1)

	cred := &db.Credential{ID: "c1", Host: "10.0.0.1", PortID: strPtr("p1")}
	checker.checkOne(context.Background(), cred)

	if live, _ := store.completedCred[0].updates["is_live"].(bool); live {
		t.Fatalf("dead credential recorded live")
	}
	if len(tunnels.killed) != 1 || tunnels.killed[0] != 30000 {
		t.Fatalf("dead credential's port forward not killed: %v", tunnels.killed)
	}
	if len(store.unassigns) != 1 {
		t.Fatalf("dead credential's port not unassigned")
	}
	u := store.unassigns[0]
	if u.portID != "p1" || u.credentialID != "c1" || !u.purge {
		t.Fatalf("unexpected unassign call: %+v", u)
	}
}

func TestCheckerLeavesPortReassignedDuringCheck(t *testing.T) {
	store := newFakeStore()
	// While the check ran, a rotation moved the port onto another credential.
	store.ports["p1"] = &db.Port{ID: "p1", Number: 30000, CredentialID: strPtr("c2")}
	tunnels := &fakeTunnels{verifyResult: false}
	checker := NewCredentialChecker(store, tunnels, 1)

	cred := &db.Credential{ID: "c1", Host: "10.0.0.1", PortID: strPtr("p1")}
	checker.checkOne(context.Background(), cred)

	if len(tunnels.killed) != 0 {
		t.Fatalf("successor's forward killed: %v", tunnels.killed)
	}
	if len(store.unassigns) != 0 {
		t.Fatalf("successor's assignment released: %+v", store.unassigns)
	}
}

func TestPortManagerAssignsCredential(t *testing.T) {
	store := newFakeStore()
	store.usable = &db.Credential{ID: "c1", Host: "10.0.0.1", IsLive: true}
	tunnels := &fakeTunnels{externalIP: "203.0.113.7"}
	manager := NewPortManager(store, tunnels, PortOptions{Workers: 1, Unique: true})

	port := &db.Port{ID: "p1", Number: 30000}
	manager.manageOne(context.Background(), port)

	if len(tunnels.established) != 1 || tunnels.established[0] != 30000 {
		t.Fatalf("tunnel not established on the port's number: %v", tunnels.established)
	}
	if len(store.assigns) != 1 || store.assigns[0] != [2]string{"p1", "c1"} {
		t.Fatalf("assignment not recorded: %v", store.assigns)
	}
	if len(store.completedPort) != 1 {
		t.Fatalf("port check not completed")
	}
	if ip, _ := store.completedPort[0].updates["external_ip"].(string); ip != "203.0.113.7" {
		t.Fatalf("external ip not recorded: %+v", store.completedPort[0].updates)
	}
}

func TestPortManagerToleratesEstablishFailure(t *testing.T) {
	store := newFakeStore()
	store.usable = &db.Credential{ID: "c1", Host: "10.0.0.1", IsLive: true}
	tunnels := &fakeTunnels{establishErr: errors.New("connection refused")}
	manager := NewPortManager(store, tunnels, PortOptions{Workers: 1})

	port := &db.Port{ID: "p1", Number: 30000}
	manager.manageOne(context.Background(), port)

	if len(store.assigns) != 0 {
		t.Fatalf("failed establishment must not assign")
	}
	if len(store.completedPort) != 1 {
		t.Fatalf("port check must complete even on failure")
	}
}

func TestPortManagerLeavesPortWithoutCandidates(t *testing.T) {
	store := newFakeStore()
	tunnels := &fakeTunnels{}
	manager := NewPortManager(store, tunnels, PortOptions{Workers: 1, Unique: true})

	port := &db.Port{ID: "p1", Number: 30000}
	manager.manageOne(context.Background(), port)

	if len(store.assigns) != 0 || len(tunnels.established) != 0 {
		t.Fatalf("no candidate available, nothing should be assigned")
	}
	if len(store.completedPort) != 1 {
		t.Fatalf("port check must still complete")
	}
}

func TestPortManagerRotatesAgedAssignment(t *testing.T) {
	store := newFakeStore()
	store.usable = &db.Credential{ID: "c2", Host: "10.0.0.2", IsLive: true}
	tunnels := &fakeTunnels{externalIP: "198.51.100.4"}
	manager := NewPortManager(store, tunnels, PortOptions{
		Workers:     1,
		Rotate:      true,
		RotateAfter: time.Hour,
	})

	port := &db.Port{
		ID:            "p1",
		Number:        30000,
		CredentialID:  strPtr("c1"),
		TimeConnected: timePtr(time.Now().Add(-2 * time.Hour)),
	}
	manager.manageOne(context.Background(), port)

	if len(tunnels.killed) == 0 || tunnels.killed[0] != 30000 {
		t.Fatalf("rotation must tear the old forward down: %v", tunnels.killed)
	}
	if len(store.unassigns) != 1 || store.unassigns[0].purge {
		t.Fatalf("rotation must unassign without purging history: %+v", store.unassigns)
	}
	if len(store.assigns) != 1 || store.assigns[0][1] != "c2" {
		t.Fatalf("rotation must bring up a replacement: %v", store.assigns)
	}
}

func TestPortManagerSkipsRotationBeforeInterval(t *testing.T) {
	store := newFakeStore()
	tunnels := &fakeTunnels{}
	manager := NewPortManager(store, tunnels, PortOptions{
		Workers:     1,
		Rotate:      true,
		RotateAfter: time.Hour,
	})

	port := &db.Port{
		ID:            "p1",
		Number:        30000,
		CredentialID:  strPtr("c1"),
		TimeConnected: timePtr(time.Now().Add(-30 * time.Minute)),
	}
	manager.manageOne(context.Background(), port)

	if len(store.unassigns) != 0 || len(tunnels.killed) != 0 {
		t.Fatalf("port rotated before its interval")
	}
}
