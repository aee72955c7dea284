package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/burrowchat/burrow/internal/codec"
	"github.com/burrowchat/burrow/internal/session"
)

const (
	// clearCommand is the in-band control payload resetting a session.
	clearCommand = "/clear"

	// maxToolRounds bounds tool-call loops within one turn.
	maxToolRounds = 4

	// retryBackoff is the delay before the single upstream retry.
	retryBackoff = 500 * time.Millisecond

	// upstreamTimeout bounds one streaming pass, token gaps included.
	upstreamTimeout = 5 * time.Minute
)

// Orchestrator runs one generation task per session: decrypts the
// assembled request, drives the upstream stream, and appends encrypted
// outbound chunks as the response grows.
type Orchestrator struct {
	cipher   *codec.Cipher
	streamer Streamer
	searcher Searcher // nil when no search key is configured
	logger   *slog.Logger
}

// New creates an Orchestrator. searcher may be nil.
func New(cipher *codec.Cipher, streamer Streamer, searcher Searcher, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cipher: cipher, streamer: streamer, searcher: searcher, logger: logger}
}

// HandleInbound takes ownership of a fully assembled inbound message and
// runs the generation in its own goroutine, so the wire handler can answer
// the final msg chunk immediately.
func (o *Orchestrator) HandleInbound(parent context.Context, sess *session.Session, assembled []byte) {
	ctx, ok := sess.BeginGeneration(parent)
	if !ok {
		o.logger.Warn("generation rejected", "sid", sess.SID())
		return
	}
	go o.run(ctx, sess, assembled)
}

func (o *Orchestrator) run(ctx context.Context, sess *session.Session, assembled []byte) {
	text, err := o.cipher.Open(assembled)
	if err != nil {
		// The diagnostic goes back encrypted under the shared key, so
		// only a legitimate peer can read it.
		o.logger.Warn("inbound decrypt failed", "sid", sess.SID())
		o.fail(sess, "decrypt failed: key mismatch or corrupt channel")
		return
	}

	if text == clearCommand {
		sess.Clear()
		o.emitChunk(sess, "OK")
		o.emitChunk(sess, codec.EOFSentinel)
		sess.Finish(session.StateComplete)
		o.logger.Info("session cleared", "sid", sess.SID())
		return
	}

	sess.AppendHistory(session.Message{Role: session.RoleUser, Text: text})
	conv := historyToConv(sess.History())

	fl := &flusher{orch: o, sess: sess}
	full, toolMsgs, err := o.generate(ctx, sess, conv, fl)
	if ctx.Err() != nil {
		// Evicted or cleared mid-turn: drop buffered output, leave the
		// session to whoever cancelled it.
		o.logger.Info("generation cancelled", "sid", sess.SID())
		return
	}
	if err != nil {
		o.logger.Error("generation failed", "sid", sess.SID(), "err", err)
		o.fail(sess, "upstream error: "+err.Error())
		return
	}

	fl.flushRemainder()
	o.emitChunk(sess, codec.EOFSentinel)
	// History writes wait until the stream is over; the streaming loop
	// itself only touches the outbound array.
	for _, m := range toolMsgs {
		sess.AppendHistory(m)
	}
	sess.AppendHistory(session.Message{Role: session.RoleAssistant, Text: full})
	sess.Finish(session.StateComplete)
	o.logger.Info("generation complete", "sid", sess.SID(), "chars", len(full))
}

// generate drives the stream, executing tool calls between passes. It
// returns the full assistant text of the turn plus the tool results to
// record in history once the turn lands.
func (o *Orchestrator) generate(ctx context.Context, sess *session.Session, conv []Turn, fl *flusher) (string, []session.Message, error) {
	var (
		full     string
		toolMsgs []session.Message
	)
	for round := 0; ; round++ {
		res, err := o.streamOnce(ctx, conv, fl)
		if err != nil {
			return "", nil, err
		}
		full += res.Text

		if len(res.ToolCalls) == 0 {
			return full, toolMsgs, nil
		}
		if round >= maxToolRounds {
			return "", nil, fmt.Errorf("llm: tool-call rounds exceeded %d", maxToolRounds)
		}

		conv = append(conv, Turn{Role: session.RoleAssistant, Text: res.Text, ToolCalls: res.ToolCalls})
		for _, call := range res.ToolCalls {
			result := o.runTool(ctx, sess, call)
			toolMsgs = append(toolMsgs, session.Message{Role: session.RoleTool, Text: result})
			conv = append(conv, Turn{Role: session.RoleTool, Text: result, ToolCallID: call.ID})
		}
	}
}

// streamOnce runs a single streaming pass with one retry on transient
// failure. A retry only happens when nothing was emitted yet; replaying a
// half-delivered stream would duplicate output the client already rendered.
func (o *Orchestrator) streamOnce(ctx context.Context, conv []Turn, fl *flusher) (*Result, error) {
	res, err := o.streamAttempt(ctx, conv, fl)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil || fl.emitted > 0 {
		return nil, err
	}

	o.logger.Warn("upstream attempt failed, retrying", "err", err)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(retryBackoff):
	}
	return o.streamAttempt(ctx, conv, fl)
}

// streamAttempt runs one pass under its own timeout, so a stalled
// upstream cannot pin a session open forever.
func (o *Orchestrator) streamAttempt(ctx context.Context, conv []Turn, fl *flusher) (*Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, upstreamTimeout)
	defer cancel()
	return o.streamer.Stream(attemptCtx, conv, fl.emit)
}

// runTool executes one tool call. Failures become tool-role error text;
// they never abort the turn.
func (o *Orchestrator) runTool(ctx context.Context, sess *session.Session, call ToolCall) string {
	result, err := o.executeTool(ctx, call)
	if err != nil {
		o.logger.Warn("tool call failed", "sid", sess.SID(), "tool", call.Name, "err", err)
		result = "tool error: " + err.Error()
	}
	return result
}

func (o *Orchestrator) executeTool(ctx context.Context, call ToolCall) (string, error) {
	if call.Name != "web_search" {
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}
	if o.searcher == nil {
		return "", errors.New("web_search is not configured")
	}
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(call.Args), &args); err != nil || args.Query == "" {
		return "", fmt.Errorf("bad web_search arguments: %q", call.Args)
	}
	return o.searcher.Search(ctx, args.Query)
}

// fail reports a terminal error as a single encrypted chunk plus the
// sentinel, then poisons the session for this turn.
func (o *Orchestrator) fail(sess *session.Session, msg string) {
	o.emitChunk(sess, msg)
	o.emitChunk(sess, codec.EOFSentinel)
	sess.Finish(session.StateError)
}

// emitChunk seals one plaintext unit and appends it to the outbound array.
func (o *Orchestrator) emitChunk(sess *session.Session, plaintext string) {
	env, err := o.cipher.Seal(plaintext)
	if err != nil {
		// Sealing only fails if the RNG does; nothing useful to send.
		o.logger.Error("seal failed", "sid", sess.SID(), "err", err)
		sess.Finish(session.StateError)
		return
	}
	sess.AppendOutbound(codec.EncodeTXTChunk(env))
}

// historyToConv converts stored history into upstream conversation turns.
func historyToConv(history []session.Message) []Turn {
	conv := make([]Turn, 0, len(history))
	for _, m := range history {
		conv = append(conv, Turn{Role: m.Role, Text: m.Text})
	}
	return conv
}

// flusher buffers streamed text and flushes a chunk every time a full
// plaintext unit accumulates, so the client can render progressively.
type flusher struct {
	orch    *Orchestrator
	sess    *session.Session
	buf     []byte
	emitted int
}

func (f *flusher) emit(text string) error {
	f.emitted += len(text)
	f.buf = append(f.buf, text...)
	for len(f.buf) >= codec.OutboundPlainUnit {
		f.orch.emitChunk(f.sess, string(f.buf[:codec.OutboundPlainUnit]))
		f.buf = f.buf[codec.OutboundPlainUnit:]
	}
	return nil
}

func (f *flusher) flushRemainder() {
	if len(f.buf) > 0 {
		f.orch.emitChunk(f.sess, string(f.buf))
		f.buf = nil
	}
}
