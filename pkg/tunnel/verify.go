package tunnel

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/proxy"
)

const defaultIPCheckURL = "http://checkip.amazonaws.com"

// resolveProxyIP performs the end-to-end verification round-trip: it dials
// the IP-check endpoint through the freshly bound SOCKS5 forward and
// returns the apparent external IP. Any failure means the forward is not
// actually usable.
func resolveProxyIP(ctx context.Context, proxyAddr, checkURL string, timeout time.Duration) (string, error) {
	if checkURL == "" {
		checkURL = defaultIPCheckURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	dialer, err := proxy.SOCKS5("tcp", proxyAddr, nil, proxy.Direct)
	if err != nil {
		return "", errors.Wrap(err, "socks5 dialer")
	}
	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Dial:              dialer.Dial,
			DisableKeepAlives: true,
		},
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("ip check returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", errors.Errorf("ip check returned %q", ip)
	}
	return ip, nil
}

// LocalIPv4 finds this machine's LAN address, used to render the proxy
// URLs clients should point at. No packet is actually sent.
func LocalIPv4() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
