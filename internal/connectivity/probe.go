// Package connectivity answers "is the network reachable" before a scan is sent.
package connectivity

import (
	"fmt"
	"net"
	"net/url"
	"time"
)

// DialProbe reports the network reachable when a TCP connection to Addr opens
// within Timeout.
type DialProbe struct {
	Addr    string
	Timeout time.Duration

	dial func(network, address string, timeout time.Duration) (net.Conn, error)
}

func NewDialProbe(addr string, timeout time.Duration) *DialProbe {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &DialProbe{Addr: addr, Timeout: timeout, dial: net.DialTimeout}
}

// AddrFromURL derives host:port from an http(s) base URL.
func AddrFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "443"
	if u.Scheme == "http" {
		port = "80"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

func (p *DialProbe) Reachable() bool {
	if p.Addr == "" {
		return true
	}
	conn, err := p.dial("tcp", p.Addr, p.Timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
