// Package worker runs the two scheduler pools that keep the proxy pool
// converging: one pool vets credentials for liveness, the other keeps every
// port backed by a live tunnel and rotates assignments that aged out.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/schollz/logger"

	"github.com/kfsoftware/proxypool/pkg/db"
	"github.com/kfsoftware/proxypool/pkg/tunnel"
)

// Store is the slice of the persistent store the pools depend on.
type Store interface {
	NextCredentialNeedingCheck() (*db.Credential, error)
	CompleteCredentialCheck(id string, updates map[string]interface{}) error
	NextPortNeedingCheck() (*db.Port, error)
	CompletePortCheck(id string, updates map[string]interface{}) error
	UsableCredentialForPort(port *db.Port, unique bool) (*db.Credential, error)
	Assign(portID, credentialID string) error
	Unassign(portID, credentialID string, purgeHistory bool) error
	PortByID(id string) (*db.Port, error)
}

// Tunnels is the slice of the tunnel manager the pools depend on.
type Tunnels interface {
	Establish(ctx context.Context, host, username, password string, localPort int) (*tunnel.Forward, error)
	Verify(ctx context.Context, host, username, password string) bool
	KillOnPort(localPort int) error
}

const defaultIdleWait = time.Second

func runPool(ctx context.Context, workers int, loop func(ctx context.Context)) {
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop(ctx)
		}()
	}
	wg.Wait()
}

func pause(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// CredentialChecker repeatedly claims the stalest credential and verifies
// it against the real host.
type CredentialChecker struct {
	store    Store
	tunnels  Tunnels
	workers  int
	idleWait time.Duration
}

func NewCredentialChecker(store Store, tunnels Tunnels, workers int) *CredentialChecker {
	return &CredentialChecker{
		store:    store,
		tunnels:  tunnels,
		workers:  workers,
		idleWait: defaultIdleWait,
	}
}

// Run blocks until ctx is cancelled and every worker drained.
func (c *CredentialChecker) Run(ctx context.Context) {
	log.Infof("starting %d credential checkers", c.workers)
	runPool(ctx, c.workers, c.loop)
}

func (c *CredentialChecker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		cred, err := c.store.NextCredentialNeedingCheck()
		if err != nil {
			log.Warnf("claim credential: %v", err)
			pause(ctx, c.idleWait)
			continue
		}
		if cred == nil {
			pause(ctx, c.idleWait)
			continue
		}
		c.checkOne(ctx, cred)
	}
}

func (c *CredentialChecker) checkOne(ctx context.Context, cred *db.Credential) {
	live := c.tunnels.Verify(ctx, cred.Host, cred.Username, cred.Password)
	if err := c.store.CompleteCredentialCheck(cred.ID, map[string]interface{}{
		"is_live": live,
	}); err != nil {
		log.Warnf("complete check for %s: %v", cred.Host, err)
	}
	if live || cred.PortID == nil {
		return
	}
	// The credential died while a port owned it. That port's tunnel is dead
	// too: tear it down and free the port, purging the credential from the
	// port's history so it may serve there again once it recovers.
	port, err := c.store.PortByID(*cred.PortID)
	if err != nil || port == nil {
		return
	}
	// Our snapshot may be stale: a rotation can have moved the port onto a
	// different credential while the check ran. Killing the forward then
	// would cut a healthy successor's tunnel.
	if port.CredentialID == nil || *port.CredentialID != cred.ID {
		return
	}
	log.Infof("credential %s died, releasing port %d", cred.Host, port.Number)
	if err := c.tunnels.KillOnPort(port.Number); err != nil && !errors.Is(err, tunnel.ErrNotFound) {
		log.Warnf("kill forward on %d: %v", port.Number, err)
	}
	if err := c.store.Unassign(port.ID, cred.ID, true); err != nil {
		log.Warnf("unassign port %d: %v", port.Number, err)
	}
}

// PortOptions configures the port-management pool.
type PortOptions struct {
	Workers int
	// Unique forbids handing a port a credential from its own history.
	Unique bool
	// Rotate enables replacing assignments older than RotateAfter.
	Rotate      bool
	RotateAfter time.Duration
}

// PortManager keeps every port assigned to a live credential and rotates
// assignments that aged past the configured interval.
type PortManager struct {
	store    Store
	tunnels  Tunnels
	opts     PortOptions
	idleWait time.Duration
}

func NewPortManager(store Store, tunnels Tunnels, opts PortOptions) *PortManager {
	return &PortManager{
		store:    store,
		tunnels:  tunnels,
		opts:     opts,
		idleWait: defaultIdleWait,
	}
}

// Run blocks until ctx is cancelled and every worker drained.
func (p *PortManager) Run(ctx context.Context) {
	log.Infof("starting %d port managers", p.opts.Workers)
	runPool(ctx, p.opts.Workers, p.loop)
}

func (p *PortManager) loop(ctx context.Context) {
	for ctx.Err() == nil {
		port, err := p.store.NextPortNeedingCheck()
		if err != nil {
			log.Warnf("claim port: %v", err)
			pause(ctx, p.idleWait)
			continue
		}
		if port == nil {
			pause(ctx, p.idleWait)
			continue
		}
		p.manageOne(ctx, port)
	}
}

func (p *PortManager) dueForRotation(port *db.Port) bool {
	return p.opts.Rotate &&
		port.CredentialID != nil &&
		port.TimeConnected != nil &&
		time.Since(*port.TimeConnected) > p.opts.RotateAfter
}

func (p *PortManager) manageOne(ctx context.Context, port *db.Port) {
	updates := map[string]interface{}{}

	if p.dueForRotation(port) {
		log.Infof("rotating port %d", port.Number)
		if err := p.tunnels.KillOnPort(port.Number); err != nil && !errors.Is(err, tunnel.ErrNotFound) {
			log.Warnf("kill forward on %d: %v", port.Number, err)
		}
		if err := p.store.Unassign(port.ID, *port.CredentialID, false); err != nil {
			log.Warnf("unassign port %d: %v", port.Number, err)
		} else {
			port.CredentialID = nil
			updates["external_ip"] = ""
		}
	}

	if port.CredentialID == nil {
		if ip, ok := p.acquire(ctx, port); ok {
			updates["external_ip"] = ip
		}
	}

	if err := p.store.CompletePortCheck(port.ID, updates); err != nil {
		log.Warnf("complete check for port %d: %v", port.Number, err)
	}
}

// acquire picks a usable credential and brings up its tunnel on the port.
// Failure is routine: the port simply stays free until the next pass.
func (p *PortManager) acquire(ctx context.Context, port *db.Port) (string, bool) {
	cred, err := p.store.UsableCredentialForPort(port, p.opts.Unique)
	if err != nil {
		log.Warnf("pick credential for port %d: %v", port.Number, err)
		return "", false
	}
	if cred == nil {
		log.Debugf("no usable credential for port %d", port.Number)
		return "", false
	}
	fwd, err := p.tunnels.Establish(ctx, cred.Host, cred.Username, cred.Password, port.Number)
	if err != nil {
		log.Debugf("port %d: %v", port.Number, err)
		return "", false
	}
	if err := p.store.Assign(port.ID, cred.ID); err != nil {
		log.Warnf("assign %s to port %d: %v", cred.Host, port.Number, err)
		if killErr := p.tunnels.KillOnPort(port.Number); killErr != nil && !errors.Is(killErr, tunnel.ErrNotFound) {
			log.Warnf("kill forward on %d: %v", port.Number, killErr)
		}
		return "", false
	}
	log.Infof("port %d connected through %s (external ip %s)", port.Number, cred.Host, fwd.ExternalIP)
	return fwd.ExternalIP, true
}
