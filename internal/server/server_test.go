package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowchat/burrow/internal/codec"
	"github.com/burrowchat/burrow/internal/llm"
	"github.com/burrowchat/burrow/internal/session"
	"github.com/burrowchat/burrow/internal/tunnel"
)

// startTestServer runs a Server on an ephemeral localhost socket and
// returns its address. The server stops when the test ends.
func startTestServer(t *testing.T, reply string) string {
	t.Helper()

	keyText, err := codec.GenerateKey()
	require.NoError(t, err)
	key, err := codec.ParseKey(keyText)
	require.NoError(t, err)
	cipher, err := codec.NewCipher(key)
	require.NoError(t, err)

	store := session.NewStore(30*time.Minute, nil)
	orch := llm.New(cipher, &echoStreamer{reply: reply}, nil, nil)
	srv := New(Options{Suffix: testSuffix}, store, orch)

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.RunOnConn(ctx, conn) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("server did not shut down")
		}
	})

	return conn.LocalAddr().String()
}

func exchange(t *testing.T, addr, name string, qtype uint16) *dns.Msg {
	t.Helper()
	c := &dns.Client{Timeout: 5 * time.Second}
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), qtype)
	resp, _, err := c.Exchange(req, addr)
	require.NoError(t, err)
	return resp
}

func TestServerAnswersHealthProbe(t *testing.T) {
	addr := startTestServer(t, "")

	resp := exchange(t, addr, tunnel.TstName(testSuffix), dns.TypeTXT)
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)
	txt, ok := resp.Answer[0].(*dns.TXT)
	require.True(t, ok)
	assert.Equal(t, []string{healthProbeAnswer}, txt.Txt)
	assert.True(t, resp.Authoritative)
}

func TestServerRefusesForeignSuffix(t *testing.T) {
	addr := startTestServer(t, "")

	resp := exchange(t, addr, "www.google.com", dns.TypeA)
	assert.Equal(t, dns.RcodeRefused, resp.Rcode)
}

func TestServerGracefulShutdown(t *testing.T) {
	addr := startTestServer(t, "")
	// One exchange proves the socket is live; shutdown is asserted by the
	// cleanup hook.
	resp := exchange(t, addr, tunnel.TstName(testSuffix), dns.TypeTXT)
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
}
