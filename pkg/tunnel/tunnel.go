package tunnel

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	stdlog "log"
	"net"
	"strconv"
	"sync"
	"time"

	socks5 "github.com/armon/go-socks5"
	"github.com/pkg/errors"
	log "github.com/schollz/logger"
	"golang.org/x/crypto/ssh"
)

// Config carries the network knobs for tunnel establishment.
type Config struct {
	ConnectTimeout time.Duration
	LoginTimeout   time.Duration
	// CandidatePorts are the remote SSH ports raced when nothing is cached
	// for a credential yet. Empty means port 22 only.
	CandidatePorts []int
	IPCheckURL     string
}

// Forward is one live SSH-backed SOCKS5 forward.
type Forward struct {
	LocalPort  int
	Host       string
	ProxyType  string
	ExternalIP string

	conn     sshConn
	listener net.Listener
}

// Address renders the forward as a proxy URL.
func (f *Forward) Address() string {
	return fmt.Sprintf("%s://%s:%d", f.ProxyType, f.Host, f.LocalPort)
}

func (f *Forward) close() {
	if f.listener != nil {
		if err := f.listener.Close(); err != nil {
			log.Tracef("close listener on %d: %v", f.LocalPort, err)
		}
	}
	if f.conn != nil {
		if err := f.conn.Close(); err != nil {
			log.Tracef("close ssh connection for %d: %v", f.LocalPort, err)
		}
	}
}

// sshConn is the slice of *ssh.Client the manager relies on. Tests swap in
// a fake so no network is involved.
type sshConn interface {
	Dial(network, addr string) (net.Conn, error)
	Close() error
}

type dialFunc func(ctx context.Context, host string, port int, username, password string) (sshConn, error)

type checkIPFunc func(ctx context.Context, proxyAddr string) (string, error)

// Manager owns the registry of active forwards and the remote-port cache.
// Both are shared by every worker, so all access goes through one mutex.
type Manager struct {
	cfg Config

	mu        sync.Mutex
	forwards  []*Forward
	portCache map[string]int

	dial    dialFunc
	checkIP checkIPFunc
}

// NewManager builds a manager with real SSH dialing and proxy verification.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		cfg:       cfg,
		portCache: map[string]int{},
	}
	m.dial = m.dialSSH
	m.checkIP = func(ctx context.Context, proxyAddr string) (string, error) {
		return resolveProxyIP(ctx, proxyAddr, cfg.IPCheckURL, cfg.ConnectTimeout)
	}
	return m
}

func cacheKey(host, username, password string) string {
	return host + "|" + username + "|" + password
}

// Establish opens an SSH connection to the credential's host, racing every
// candidate remote port, binds a local SOCKS5 forward on localPort (any
// free port when zero) and verifies the forward end to end by resolving
// the external IP through it. The winning remote port is cached for the
// credential so reconnects skip the race.
func (m *Manager) Establish(ctx context.Context, host, username, password string, localPort int) (*Forward, error) {
	if localPort == 0 {
		p, err := FreePort()
		if err != nil {
			return nil, tunnelErr("allocate local port", err)
		}
		localPort = p
	}

	// A stale forward may still hold the port from a previous assignment.
	if err := m.KillOnPort(localPort); err != nil && !errors.Is(err, ErrNotFound) {
		log.Warnf("killing stale forward on %d: %v", localPort, err)
	}

	start := time.Now()
	info := fmt.Sprintf("%15s | %5d", host, localPort)

	conn, remotePort, err := m.raceDial(ctx, host, username, password)
	if err != nil {
		log.Debugf("%s (%4.1fs) - %v", info, time.Since(start).Seconds(), err)
		return nil, err
	}

	m.mu.Lock()
	m.portCache[cacheKey(host, username, password)] = remotePort
	m.mu.Unlock()

	listener, err := forwardSocks(conn, localPort)
	if err != nil {
		conn.Close()
		werr := tunnelErr(fmt.Sprintf("forward socks5 on %d", localPort), err)
		log.Debugf("%s (%4.1fs) - %v", info, time.Since(start).Seconds(), werr)
		return nil, werr
	}

	fwd := &Forward{
		LocalPort: localPort,
		Host:      "localhost",
		ProxyType: "socks5",
		conn:      conn,
		listener:  listener,
	}

	ip, err := m.checkIP(ctx, net.JoinHostPort("127.0.0.1", strconv.Itoa(localPort)))
	if err != nil {
		fwd.close()
		werr := tunnelErr("cannot connect to forwarded proxy", err)
		log.Debugf("%s (%4.1fs) - %v", info, time.Since(start).Seconds(), werr)
		return nil, werr
	}
	fwd.ExternalIP = ip

	m.mu.Lock()
	m.forwards = append(m.forwards, fwd)
	m.mu.Unlock()

	log.Debugf("%s (%4.1fs) - connected, external ip %s", info, time.Since(start).Seconds(), ip)
	return fwd, nil
}

// Verify establishes a throwaway forward for the credential and tears it
// down again, reporting only whether the credential is alive.
func (m *Manager) Verify(ctx context.Context, host, username, password string) bool {
	fwd, err := m.Establish(ctx, host, username, password, 0)
	if err != nil {
		return false
	}
	if err := m.KillOnPort(fwd.LocalPort); err != nil {
		log.Warnf("tearing down verification forward on %d: %v", fwd.LocalPort, err)
	}
	return true
}

// KillOnPort removes the forward bound to localPort from the registry and
// closes it. Returns ErrNotFound when no forward is registered there.
func (m *Manager) KillOnPort(localPort int) error {
	m.mu.Lock()
	idx := -1
	for i, f := range m.forwards {
		if f.LocalPort == localPort {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "%d", localPort)
	}
	fwd := m.forwards[idx]
	m.forwards = append(m.forwards[:idx], m.forwards[idx+1:]...)
	m.mu.Unlock()

	fwd.close()
	return nil
}

// Forwards returns a snapshot of the active registry.
func (m *Manager) Forwards() []*Forward {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Forward, len(m.forwards))
	copy(out, m.forwards)
	return out
}

// CachedPort returns the remembered remote SSH port for a credential.
func (m *Manager) CachedPort(host, username, password string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.portCache[cacheKey(host, username, password)]
	return p, ok
}

// Shutdown tears down every active forward.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	forwards := m.forwards
	m.forwards = nil
	m.mu.Unlock()
	for _, f := range forwards {
		f.close()
	}
}

// candidates builds the ordered remote-port list: the cached winner for
// this exact credential, else the configured candidates, else 22.
func (m *Manager) candidates(host, username, password string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.portCache[cacheKey(host, username, password)]; ok {
		return []int{p}
	}
	if len(m.cfg.CandidatePorts) > 0 {
		out := make([]int, len(m.cfg.CandidatePorts))
		copy(out, m.cfg.CandidatePorts)
		return out
	}
	return []int{22}
}

// raceDial attempts every candidate port concurrently. The first successful
// handshake wins; the rest are cancelled and any late winners closed. When
// all attempts fail the failures are folded into one TunnelError.
func (m *Manager) raceDial(ctx context.Context, host, username, password string) (sshConn, int, error) {
	ports := m.candidates(host, username, password)

	raceCtx, cancel := context.WithCancel(ctx)
	type attempt struct {
		conn sshConn
		port int
		err  error
	}
	results := make(chan attempt, len(ports))
	for _, p := range ports {
		go func(p int) {
			conn, err := m.dial(raceCtx, host, p, username, password)
			results <- attempt{conn: conn, port: p, err: err}
		}(p)
	}

	var failures []error
	for i := 0; i < len(ports); i++ {
		r := <-results
		if r.err != nil {
			failures = append(failures, errors.Wrapf(r.err, "port %d", r.port))
			continue
		}
		cancel()
		// Drain cancelled attempts so nothing leaks; a loser that finished
		// its handshake before the cancel still gets closed.
		go func(remaining int) {
			for j := 0; j < remaining; j++ {
				if late := <-results; late.err == nil {
					late.conn.Close()
				}
			}
		}(len(ports) - i - 1)
		return r.conn, r.port, nil
	}
	cancel()
	return nil, 0, tunnelErr(fmt.Sprintf("connect %s", host), stderrors.Join(failures...))
}

// dialSSH opens one SSH connection with bounded connect and login timeouts.
// Cancelling ctx mid-handshake closes the socket, which aborts the attempt.
func (m *Manager) dialSSH(ctx context.Context, host string, port int, username, password string) (sshConn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: m.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if m.cfg.LoginTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(m.cfg.LoginTimeout))
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig(username, password, m.cfg.ConnectTimeout))
	close(done)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(clientConn, chans, reqs), nil
}

// clientConfig negotiates a deliberately wide algorithm set so old dropbear
// and OpenSSH installs still handshake. ecdh-sha2-nistp521 is left out for
// OpenSSH 7.2 interop.
func clientConfig(username, password string, timeout time.Duration) *ssh.ClientConfig {
	cfg := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		HostKeyAlgorithms: []string{
			ssh.KeyAlgoRSA,
			ssh.KeyAlgoRSASHA256,
			ssh.KeyAlgoRSASHA512,
			ssh.KeyAlgoED25519,
			ssh.KeyAlgoECDSA256,
			ssh.KeyAlgoECDSA384,
		},
		Timeout: timeout,
	}
	cfg.KeyExchanges = []string{
		"curve25519-sha256",
		"curve25519-sha256@libssh.org",
		"ecdh-sha2-nistp256",
		"ecdh-sha2-nistp384",
		"diffie-hellman-group14-sha256",
		"diffie-hellman-group14-sha1",
		"diffie-hellman-group1-sha1",
		"diffie-hellman-group-exchange-sha256",
	}
	cfg.Ciphers = []string{
		"aes128-gcm@openssh.com",
		"chacha20-poly1305@openssh.com",
		"aes128-ctr", "aes192-ctr", "aes256-ctr",
		"aes128-cbc", "3des-cbc",
	}
	cfg.MACs = []string{
		"hmac-sha2-256-etm@openssh.com",
		"hmac-sha2-256",
		"hmac-sha1",
		"hmac-sha1-96",
	}
	return cfg
}

// forwardSocks binds a SOCKS5 listener on localPort whose egress dials run
// through the SSH connection.
func forwardSocks(conn sshConn, localPort int) (net.Listener, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", localPort))
	if err != nil {
		return nil, err
	}
	server, err := socks5.New(&socks5.Config{
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return conn.Dial(network, addr)
		},
		Logger: stdlog.New(io.Discard, "", 0),
	})
	if err != nil {
		listener.Close()
		return nil, err
	}
	go func() {
		if err := server.Serve(listener); err != nil {
			log.Tracef("socks5 server on %d stopped: %v", localPort, err)
		}
	}()
	return listener, nil
}

// FreePort asks the kernel for an unused local port.
func FreePort() (int, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
