package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http/httpproxy"

	"schemarun/internal/logging"
)

const proxyModeEnv = "SCHEMARUN_PROXY_MODE"

// proxyProbeTimeout bounds the TCP dial that decides whether a loopback
// proxy is alive.
const proxyProbeTimeout = 300 * time.Millisecond

type proxyMode uint8

const (
	proxyModeAuto proxyMode = iota
	proxyModeStrict
	proxyModeDirect
)

// proxySelector picks a proxy per request according to SCHEMARUN_PROXY_MODE.
// In auto mode a proxy pointing at the local machine is dialed once before
// use, so a stale HTTPS_PROXY left behind by a dead desktop client does not
// stall every request until its connect timeout.
type proxySelector struct {
	mode    proxyMode
	environ func(*url.URL) (*url.URL, error)
	log     logging.Logger

	mu     sync.Mutex
	probed map[string]bool // proxy URL -> bypass verdict
	warned map[string]bool
}

// proxyFunc returns a Transport.Proxy callback. The mode and the proxy
// environment are read when the transport is built, not per request.
func proxyFunc(logger logging.Logger) func(*http.Request) (*url.URL, error) {
	s := &proxySelector{
		mode:    proxyModeFromEnv(),
		environ: httpproxy.FromEnvironment().ProxyFunc(),
		log:     logging.OrNop(logger),
		probed:  map[string]bool{},
		warned:  map[string]bool{},
	}
	return s.selectProxy
}

func (s *proxySelector) selectProxy(req *http.Request) (*url.URL, error) {
	if s.mode == proxyModeDirect || req == nil || req.URL == nil {
		return nil, nil
	}
	if s.mode == proxyModeStrict {
		return s.environ(req.URL)
	}

	if IsLoopbackHost(req.URL.Hostname()) {
		return nil, nil
	}
	proxyURL, err := s.environ(req.URL)
	if proxyURL == nil || err != nil {
		return proxyURL, err
	}
	if !IsLoopbackHost(proxyURL.Hostname()) {
		return proxyURL, nil
	}
	if s.bypass(req.Context(), proxyURL) {
		return nil, nil
	}
	return proxyURL, nil
}

// bypass reports whether the loopback proxy should be skipped. The first
// call per proxy URL dials it once; the verdict sticks for the life of the
// transport.
func (s *proxySelector) bypass(ctx context.Context, proxyURL *url.URL) bool {
	addr, ok := probeAddr(proxyURL)
	if !ok {
		return false
	}
	key := proxyURL.String()

	s.mu.Lock()
	verdict, seen := s.probed[key]
	s.mu.Unlock()
	if !seen {
		verdict = !dialable(ctx, addr)
		s.mu.Lock()
		s.probed[key] = verdict
		s.mu.Unlock()
	}
	if !verdict {
		return false
	}

	s.mu.Lock()
	warned := s.warned[key]
	s.warned[key] = true
	s.mu.Unlock()
	if !warned {
		s.log.Warn("local proxy %s is unreachable, bypassing it for outbound requests (set %s=strict to disable the probe)",
			proxyURL.Redacted(), proxyModeEnv)
	}
	return true
}

func proxyModeFromEnv() proxyMode {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(proxyModeEnv))) {
	case "strict":
		return proxyModeStrict
	case "direct", "none", "off":
		return proxyModeDirect
	default:
		return proxyModeAuto
	}
}

// IsLoopbackHost reports whether host names the local machine. Loopback hosts
// are exempt from the https-only endpoint rule.
func IsLoopbackHost(host string) bool {
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

var proxyDefaultPorts = map[string]string{
	"http":    "80",
	"https":   "443",
	"socks5":  "1080",
	"socks5h": "1080",
}

// probeAddr derives the host:port to dial for a proxy URL. Unknown schemes
// report false and the proxy is used unprobed.
func probeAddr(proxyURL *url.URL) (string, bool) {
	host := proxyURL.Hostname()
	if host == "" {
		return "", false
	}
	port := proxyURL.Port()
	if port == "" {
		scheme := strings.ToLower(proxyURL.Scheme)
		if scheme == "" {
			scheme = "http"
		}
		var ok bool
		if port, ok = proxyDefaultPorts[scheme]; !ok {
			return "", false
		}
	}
	return net.JoinHostPort(host, port), true
}

func dialable(ctx context.Context, addr string) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	dialer := net.Dialer{Timeout: proxyProbeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
