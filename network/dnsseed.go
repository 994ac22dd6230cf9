package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

const defaultResolver = "8.8.8.8:53"

// DNSSeeder queries A and AAAA records of the network DNS seeds.
type DNSSeeder struct {
	seeds    []string
	port     string
	resolver string
	client   *dns.Client
	log      *logrus.Entry
}

// NewDNSSeeder returns a seeder that asks resolver (host:port, a public
// resolver when empty) for seeds and pairs the results with port.
func NewDNSSeeder(seeds []string, port, resolver string, log *logrus.Entry) *DNSSeeder {
	if resolver == "" {
		resolver = defaultResolver
	}
	if log == nil {
		log = logrus.WithField("component", "dnsseed")
	}
	return &DNSSeeder{
		seeds:    seeds,
		port:     port,
		resolver: resolver,
		client:   &dns.Client{Timeout: 5 * time.Second},
		log:      log,
	}
}

// Seed resolves every seed and returns the union of the addresses. A seed
// that fails is skipped; an error is returned only when all of them fail.
func (s *DNSSeeder) Seed(ctx context.Context) ([]string, error) {
	var (
		hosts   []string
		lastErr error
	)
	seen := make(map[string]struct{})
	for _, seed := range s.seeds {
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			ips, err := s.lookup(ctx, seed, qtype)
			if err != nil {
				lastErr = err
				s.log.WithError(err).WithField("seed", seed).Debug("DNS seed lookup failed")
				continue
			}
			for _, ip := range ips {
				host := net.JoinHostPort(ip.String(), s.port)
				if _, ok := seen[host]; ok {
					continue
				}
				seen[host] = struct{}{}
				hosts = append(hosts, host)
			}
		}
	}
	if len(hosts) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return hosts, nil
}

func (s *DNSSeeder) lookup(ctx context.Context, seed string, qtype uint16) ([]net.IP, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(seed), qtype)
	msg.RecursionDesired = true

	resp, _, err := s.client.ExchangeContext(ctx, msg, s.resolver)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("lookup of %s failed: %s", seed, dns.RcodeToString[resp.Rcode])
	}

	var ips []net.IP
	for _, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			ips = append(ips, rec.A)
		case *dns.AAAA:
			ips = append(ips, rec.AAAA)
		}
	}
	return ips, nil
}
