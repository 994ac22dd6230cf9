// Package tor dials peers either directly or through a SOCKS5 proxy such as
// a local Tor daemon.
package tor

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// Config holds proxy settings. With Enabled unset every address is dialed
// directly, except .onion hosts which always require the proxy.
type Config struct {
	Enabled   bool
	ProxyAddr string
	Timeout   time.Duration
}

// Dialer opens outbound peer connections.
type Dialer struct {
	config Config
	direct *net.Dialer
	socks  proxy.ContextDialer
	log    *logrus.Entry
}

// NewDialer builds a dialer for config. The proxy is not contacted until
// the first dial; use WaitForProxy to check it up front.
func NewDialer(config Config, log *logrus.Entry) (*Dialer, error) {
	if log == nil {
		log = logrus.WithField("component", "tor")
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	d := &Dialer{
		config: config,
		direct: &net.Dialer{Timeout: config.Timeout},
		log:    log,
	}
	if config.ProxyAddr == "" {
		if config.Enabled {
			return nil, fmt.Errorf("tor enabled without a proxy address")
		}
		return d, nil
	}

	socks, err := proxy.SOCKS5("tcp", config.ProxyAddr, nil, d.direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	contextDialer, ok := socks.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
	}
	d.socks = contextDialer
	return d, nil
}

// DialContext connects to address, through the proxy when enabled or when
// address is an onion service.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	if d.config.Enabled || IsOnionAddress(address) {
		if d.socks == nil {
			return nil, fmt.Errorf("no proxy configured to reach %s", address)
		}
		d.log.WithField("addr", address).Debug("Dialing through proxy")
		return d.socks.DialContext(ctx, network, address)
	}
	return d.direct.DialContext(ctx, network, address)
}

func (d *Dialer) IsEnabled() bool {
	return d.config.Enabled
}

// WaitForProxy polls the proxy port until it accepts connections.
func (d *Dialer) WaitForProxy(ctx context.Context) error {
	if d.socks == nil {
		return nil
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		conn, err := d.direct.DialContext(ctx, "tcp", d.config.ProxyAddr)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("proxy at %s not reachable: %w", d.config.ProxyAddr, err)
		case <-ticker.C:
		}
	}
}

// IsOnionAddress reports whether a host:port address names an onion service.
func IsOnionAddress(address string) bool {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return false
	}
	return strings.HasSuffix(host, ".onion")
}
