// Package client implements the tunnel peer: it seals outbound turns
// into msg queries, polls for response chunks, and renders the reply as
// it streams in.
package client

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"github.com/burrowchat/burrow/internal/codec"
	"github.com/burrowchat/burrow/internal/tunnel"
)

const (
	queryTimeout = 5 * time.Second
	queryRetries = 3

	// getWindow bounds parallel get queries while draining a response.
	getWindow = 4

	// pollInterval paces cnt queries while the server generates.
	pollInterval = 250 * time.Millisecond

	sidLen      = 6
	sidAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// ErrServerReported marks a turn whose reply was the server's encrypted
// error diagnostic rather than model output.
var ErrServerReported = errors.New("client: server reported an error")

// ErrNoAck marks a chunk that was never acknowledged within the retry
// budget.
var ErrNoAck = errors.New("client: no acknowledgement from server")

// Client drives one conversation over the tunnel.
type Client struct {
	serverAddr string // host:port of the tunnel DNS listener
	suffix     string
	cipher     *codec.Cipher
	sid        string
	dns        *dns.Client
	logger     *slog.Logger
}

// New creates a Client with a fresh random session id.
func New(serverAddr, suffix string, cipher *codec.Cipher, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sid, err := newSID()
	if err != nil {
		return nil, err
	}
	return &Client{
		serverAddr: serverAddr,
		suffix:     suffix,
		cipher:     cipher,
		sid:        sid,
		dns:        &dns.Client{Timeout: queryTimeout},
		logger:     logger,
	}, nil
}

// SID returns the session id in use.
func (c *Client) SID() string { return c.sid }

// TestConnection sends the health probe and verifies the fixed answer.
func (c *Client) TestConnection(ctx context.Context) error {
	txt, err := c.queryTXT(ctx, tunnel.TstName(c.suffix))
	if err != nil {
		return fmt.Errorf("client: health probe: %w", err)
	}
	if txt != "pong" {
		return fmt.Errorf("client: unexpected probe answer %q", txt)
	}
	return nil
}

// Clear asks the server to drop this session's history and buffers.
func (c *Client) Clear(ctx context.Context) error {
	_, err := c.queryTXT(ctx, tunnel.ClrName(c.suffix, c.sid))
	if err != nil {
		return fmt.Errorf("client: clear: %w", err)
	}
	return nil
}

// Send runs one full turn: seal and upload the message, then stream the
// reply through onText in index order until the EOF sentinel. The full
// reply text is returned once the turn ends.
func (c *Client) Send(ctx context.Context, text string, onText func(string)) (string, error) {
	if err := c.upload(ctx, text); err != nil {
		return "", err
	}
	return c.drain(ctx, onText)
}

// upload seals the message and delivers every chunk, a bounded number in
// flight at once. Order does not matter to the server; indices travel in
// the query name.
func (c *Client) upload(ctx context.Context, text string) error {
	env, err := c.cipher.Seal(text)
	if err != nil {
		return fmt.Errorf("client: seal: %w", err)
	}
	labels := codec.SplitLabels(env)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(getWindow)
	for i, label := range labels {
		name := tunnel.MsgName(c.suffix, c.sid, i, len(labels), label)
		g.Go(func() error {
			return c.sendChunk(gctx, name)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	c.logger.Debug("message uploaded", "sid", c.sid, "chunks", len(labels))
	return nil
}

// sendChunk delivers one msg query, retrying on timeout. Any well-formed
// answer counts as the ACK.
func (c *Client) sendChunk(ctx context.Context, name string) error {
	var lastErr error
	for attempt := 0; attempt < queryRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := c.exchange(ctx, name, dns.TypeTXT)
		if err != nil {
			lastErr = err
			c.logger.Debug("chunk retry", "name", name, "attempt", attempt+1, "err", err)
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			return fmt.Errorf("client: chunk rejected: %s", dns.RcodeToString[resp.Rcode])
		}
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrNoAck, name, lastErr)
}

// drain polls cnt for new chunks and fetches them with a small window,
// rendering strictly in index order. It returns when the sentinel chunk
// arrives.
func (c *Client) drain(ctx context.Context, onText func(string)) (string, error) {
	var (
		full    strings.Builder
		render  = newRuneBuffer(onText)
		next    int // next index to fetch
		failed  bool
		fetched = map[int]string{}
	)

	for {
		count, flag, err := c.pollCount(ctx)
		if err != nil {
			return full.String(), err
		}
		if flag == "e" {
			failed = true
		}

		for next < count {
			high := min(next+getWindow, count)
			if err := c.fetchRange(ctx, next, high, fetched); err != nil {
				return full.String(), err
			}
			for ; next < high; next++ {
				text, err := c.decryptChunk(fetched[next])
				delete(fetched, next)
				if err != nil {
					return full.String(), err
				}
				if text == codec.EOFSentinel {
					render.flush()
					if failed {
						return full.String(), ErrServerReported
					}
					return full.String(), nil
				}
				full.WriteString(text)
				render.write(text)
			}
		}

		select {
		case <-ctx.Done():
			return full.String(), ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// fetchRange fetches chunks [lo, hi) in parallel into out.
func (c *Client) fetchRange(ctx context.Context, lo, hi int, out map[int]string) error {
	results := make([]string, hi-lo)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(getWindow)
	for i := lo; i < hi; i++ {
		g.Go(func() error {
			chunk, err := c.fetchChunk(gctx, i)
			if err != nil {
				return err
			}
			results[i-lo] = chunk
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i := lo; i < hi; i++ {
		out[i] = results[i-lo]
	}
	return nil
}

// fetchChunk retrieves one outbound chunk, retrying while the server has
// not produced it yet. cnt said it exists, so an empty answer only means
// a stale packet won the race.
func (c *Client) fetchChunk(ctx context.Context, idx int) (string, error) {
	name := tunnel.GetName(c.suffix, c.sid, idx)
	for attempt := 0; attempt < queryRetries; attempt++ {
		txt, err := c.queryTXT(ctx, name)
		if err != nil {
			return "", err
		}
		if txt == "END" {
			return "", fmt.Errorf("client: chunk %d vanished from server", idx)
		}
		if txt != "" {
			return txt, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return "", fmt.Errorf("client: chunk %d never arrived", idx)
}

func (c *Client) decryptChunk(chunk string) (string, error) {
	env, err := codec.DecodeTXTChunk(chunk)
	if err != nil {
		return "", fmt.Errorf("client: malformed chunk: %w", err)
	}
	text, err := c.cipher.Open(env)
	if err != nil {
		return "", fmt.Errorf("client: %w: key mismatch or corrupt channel", codec.ErrDecrypt)
	}
	return text, nil
}

// pollCount asks cnt for the produced chunk count and the state flag.
func (c *Client) pollCount(ctx context.Context) (int, string, error) {
	txt, err := c.queryTXT(ctx, tunnel.CntName(c.suffix, c.sid))
	if err != nil {
		return 0, "", fmt.Errorf("client: poll: %w", err)
	}
	countStr, flag, ok := strings.Cut(txt, ",")
	if !ok {
		return 0, "", fmt.Errorf("client: malformed count answer %q", txt)
	}
	count, err := strconv.Atoi(countStr)
	if err != nil || count < 0 {
		return 0, "", fmt.Errorf("client: malformed count answer %q", txt)
	}
	return count, flag, nil
}

// queryTXT performs one TXT exchange with retries and returns the first
// string of the first answer.
func (c *Client) queryTXT(ctx context.Context, name string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < queryRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		resp, err := c.exchange(ctx, name, dns.TypeTXT)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			return "", fmt.Errorf("client: query %s: %s", name, dns.RcodeToString[resp.Rcode])
		}
		for _, rr := range resp.Answer {
			if txt, ok := rr.(*dns.TXT); ok && len(txt.Txt) > 0 {
				return txt.Txt[0], nil
			}
		}
		return "", fmt.Errorf("client: query %s: no TXT answer", name)
	}
	return "", fmt.Errorf("client: query %s: %w", name, lastErr)
}

func (c *Client) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), qtype)
	resp, _, err := c.dns.ExchangeContext(ctx, req, c.serverAddr)
	return resp, err
}

// newSID draws a short random session id from the DNS-safe alphabet.
func newSID() (string, error) {
	raw := make([]byte, sidLen)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("client: session id: %w", err)
	}
	for i, b := range raw {
		raw[i] = sidAlphabet[int(b)%len(sidAlphabet)]
	}
	return string(raw), nil
}

// runeBuffer defers rendering of trailing partial UTF-8 sequences, since
// chunk boundaries fall on byte counts, not rune boundaries.
type runeBuffer struct {
	onText func(string)
	pend   []byte
}

func newRuneBuffer(onText func(string)) *runeBuffer {
	if onText == nil {
		onText = func(string) {}
	}
	return &runeBuffer{onText: onText}
}

func (r *runeBuffer) write(text string) {
	r.pend = append(r.pend, text...)

	// Hold back at most a torn tail (a rune is at most UTFMax bytes).
	// Anything that stays invalid beyond that is not UTF-8 and passes
	// through untouched.
	cut := len(r.pend)
	for cut > 0 && len(r.pend)-cut < utf8.UTFMax && !utf8.Valid(r.pend[:cut]) {
		cut--
	}
	if !utf8.Valid(r.pend[:cut]) {
		cut = len(r.pend)
	}
	if cut > 0 {
		r.onText(string(r.pend[:cut]))
		r.pend = r.pend[cut:]
	}
}

func (r *runeBuffer) flush() {
	if len(r.pend) > 0 {
		r.onText(string(r.pend))
		r.pend = nil
	}
}
