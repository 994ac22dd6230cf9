package network_test

import (
	"context"
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"spvkit/network"
)

func startResolver(t *testing.T, records map[string][]string) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		q := r.Question[0]
		rrs, ok := records[q.Name]
		if !ok {
			m.Rcode = dns.RcodeNameError
		}
		for _, s := range rrs {
			rr, err := dns.NewRR(s)
			if err == nil && rr.Header().Rrtype == q.Qtype {
				m.Answer = append(m.Answer, rr)
			}
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestDNSSeeder(t *testing.T) {
	resolver := startResolver(t, map[string][]string{
		"seed.example.": {
			"seed.example. 60 IN A 10.0.0.1",
			"seed.example. 60 IN A 10.0.0.2",
			"seed.example. 60 IN AAAA 2001:db8::1",
		},
		"mirror.example.": {
			"mirror.example. 60 IN A 10.0.0.2",
		},
	})

	seeder := network.NewDNSSeeder([]string{"seed.example", "mirror.example", "gone.example"}, "8333", resolver, nil)
	hosts, err := seeder.Seed(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1:8333", "10.0.0.2:8333", "[2001:db8::1]:8333"}, hosts)
}

func TestDNSSeederAllFail(t *testing.T) {
	resolver := startResolver(t, nil)
	seeder := network.NewDNSSeeder([]string{"gone.example"}, "8333", resolver, nil)
	_, err := seeder.Seed(context.Background())
	require.Error(t, err)
}
