package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/miekg/dns"

	"github.com/burrowchat/burrow/internal/llm"
	"github.com/burrowchat/burrow/internal/session"
	"github.com/burrowchat/burrow/internal/tunnel"
)

const (
	ackAnswer         = "ok"
	pastEndAnswer     = "END"
	healthProbeAnswer = "pong"
)

// ackA is the synthetic address answering msg and clr queries of type A.
var ackA = net.IPv4(0, 0, 0, 0)

// Handler answers tunnel queries. Everything it serves is synthetic: no
// lookup ever leaves the process, and every answer carries TTL 0 with the
// authoritative flag so resolvers on the path do not cache stale chunks.
type Handler struct {
	Suffix  string
	Store   *session.Store
	Orch    *llm.Orchestrator
	Limiter *RateLimiter
	Logger  *slog.Logger

	// BaseContext parents the per-session generation contexts. Defaults
	// to context.Background.
	BaseContext context.Context
}

// ServeDNS implements dns.Handler.
func (h *Handler) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	if len(r.Question) == 0 {
		h.replyRcode(w, r, dns.RcodeFormatError)
		return
	}
	if h.Limiter != nil && !h.Limiter.Allow(remoteIP(w.RemoteAddr())) {
		// Over budget. Dropping beats answering: an error response
		// would itself consume downstream bandwidth.
		return
	}

	q := r.Question[0]
	cmd, err := tunnel.Parse(q.Name, h.Suffix)
	if err != nil {
		h.logger().Debug("rejected query",
			"src", remoteIP(w.RemoteAddr()), "qname", q.Name, "err", err)
		h.replyRcode(w, r, rcodeFor(err))
		return
	}
	h.logger().Debug("query",
		"src", remoteIP(w.RemoteAddr()),
		"qname", q.Name,
		"qtype", dns.TypeToString[q.Qtype],
	)

	switch c := cmd.(type) {
	case tunnel.Msg:
		h.handleMsg(w, r, q, c)
	case tunnel.Get:
		h.handleGet(w, r, q, c)
	case tunnel.Cnt:
		h.handleCnt(w, r, q, c)
	case tunnel.Clr:
		h.handleClr(w, r, q, c)
	case tunnel.Tst:
		h.replyTXT(w, r, q, healthProbeAnswer)
	default:
		h.replyRcode(w, r, dns.RcodeServerFailure)
	}
}

// handleMsg records one inbound chunk and acknowledges it. When the chunk
// completes the message, the assembled payload is handed to the
// orchestrator; the ACK goes out immediately so the client does not wait
// on the upstream.
func (h *Handler) handleMsg(w dns.ResponseWriter, r *dns.Msg, q dns.Question, c tunnel.Msg) {
	sess := h.Store.Touch(c.SID)
	assembled, err := sess.RecordInbound(c.Index, c.Total, c.Payload)
	if err != nil {
		h.logger().Warn("inbound chunk rejected",
			"sid", c.SID, "idx", c.Index, "total", c.Total, "err", err)
		h.replyRcode(w, r, dns.RcodeServerFailure)
		return
	}
	if assembled != nil {
		h.Orch.HandleInbound(h.baseContext(), sess, assembled)
	}
	h.ack(w, r, q)
}

func (h *Handler) handleGet(w dns.ResponseWriter, r *dns.Msg, q dns.Question, c tunnel.Get) {
	sess := h.Store.Touch(c.SID)
	chunk, status := sess.ReadOutbound(c.Index)
	switch status {
	case session.ReadOK:
		h.replyTXT(w, r, q, chunk)
	case session.ReadPending:
		h.replyTXT(w, r, q, "")
	default:
		h.replyTXT(w, r, q, pastEndAnswer)
	}
}

func (h *Handler) handleCnt(w dns.ResponseWriter, r *dns.Msg, q dns.Question, c tunnel.Cnt) {
	sess := h.Store.Touch(c.SID)
	n, state := sess.Status()
	h.replyTXT(w, r, q, fmt.Sprintf("%d,%s", n, state.Code()))
}

func (h *Handler) handleClr(w dns.ResponseWriter, r *dns.Msg, q dns.Question, c tunnel.Clr) {
	if sess, ok := h.Store.Lookup(c.SID); ok {
		sess.Clear()
		h.logger().Info("session cleared by client", "sid", c.SID)
	}
	h.ack(w, r, q)
}

// ack answers a msg or clr query: an A record for A queries, a short TXT
// string otherwise.
func (h *Handler) ack(w dns.ResponseWriter, r *dns.Msg, q dns.Question) {
	if q.Qtype == dns.TypeA {
		m := h.respBase(r)
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 0},
			A:   ackA,
		})
		h.write(w, m)
		return
	}
	h.replyTXT(w, r, q, ackAnswer)
}

// replyTXT answers with a single TXT record carrying one string.
func (h *Handler) replyTXT(w dns.ResponseWriter, r *dns.Msg, q dns.Question, text string) {
	m := h.respBase(r)
	m.Answer = append(m.Answer, &dns.TXT{
		Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 0},
		Txt: []string{text},
	})
	h.write(w, m)
}

func (h *Handler) replyRcode(w dns.ResponseWriter, r *dns.Msg, rcode int) {
	m := h.respBase(r)
	m.Rcode = rcode
	h.write(w, m)
}

func (h *Handler) respBase(r *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true
	return m
}

func (h *Handler) write(w dns.ResponseWriter, m *dns.Msg) {
	if err := w.WriteMsg(m); err != nil {
		h.logger().Debug("write response failed", "err", err)
	}
}

func (h *Handler) baseContext() context.Context {
	if h.BaseContext != nil {
		return h.BaseContext
	}
	return context.Background()
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// rcodeFor maps parse errors onto response codes. Foreign suffixes are
// refused outright; anything else malformed looks like a name that simply
// does not exist.
func rcodeFor(err error) int {
	switch {
	case errors.Is(err, tunnel.ErrForeignSuffix):
		return dns.RcodeRefused
	case errors.Is(err, tunnel.ErrUnknownCommand), errors.Is(err, tunnel.ErrMalformedQuery):
		return dns.RcodeNameError
	default:
		return dns.RcodeServerFailure
	}
}

func remoteIP(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.String()
	case *net.TCPAddr:
		return a.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
