package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowchat/burrow/internal/codec"
	"github.com/burrowchat/burrow/internal/session"
)

// scriptedStreamer replays canned passes; each pass is a list of text
// fragments plus an optional trailing tool call request.
type scriptedStreamer struct {
	passes []scriptedPass
	calls  int
	seen   [][]Turn
	errs   []error // error to return per pass before any emission
}

type scriptedPass struct {
	fragments []string
	toolCalls []ToolCall
}

func (s *scriptedStreamer) Stream(ctx context.Context, conv []Turn, emit func(string) error) (*Result, error) {
	s.seen = append(s.seen, append([]Turn(nil), conv...))
	idx := s.calls
	s.calls++
	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	pass := s.passes[0]
	if len(s.passes) > 1 {
		s.passes = s.passes[1:]
	}
	var res Result
	for _, f := range pass.fragments {
		res.Text += f
		if err := emit(f); err != nil {
			return nil, err
		}
	}
	res.ToolCalls = pass.toolCalls
	return &res, nil
}

type stubSearcher struct {
	result string
	err    error
	query  string
}

func (s *stubSearcher) Search(ctx context.Context, query string) (string, error) {
	s.query = query
	return s.result, s.err
}

func newTestOrchestrator(t *testing.T, streamer Streamer, searcher Searcher) (*Orchestrator, *codec.Cipher) {
	t.Helper()
	keyText, err := codec.GenerateKey()
	require.NoError(t, err)
	key, err := codec.ParseKey(keyText)
	require.NoError(t, err)
	cipher, err := codec.NewCipher(key)
	require.NoError(t, err)
	return New(cipher, streamer, searcher, nil), cipher
}

// sendTurn injects an assembled inbound message and waits for a terminal state.
func sendTurn(t *testing.T, o *Orchestrator, cipher *codec.Cipher, sess *session.Session, text string) session.State {
	t.Helper()
	env, err := cipher.Seal(text)
	require.NoError(t, err)

	labels := codec.SplitLabels(env)
	var assembled []byte
	for i, l := range labels {
		raw, err := codec.DecodeLabel(l)
		require.NoError(t, err)
		assembled, err = sessRecord(sess, i, len(labels), raw)
		require.NoError(t, err)
	}
	require.NotNil(t, assembled)

	o.HandleInbound(context.Background(), sess, assembled)
	return waitTerminal(t, sess)
}

func sessRecord(sess *session.Session, idx, total int, payload []byte) ([]byte, error) {
	return sess.RecordInbound(idx, total, payload)
}

func waitTerminal(t *testing.T, sess *session.Session) session.State {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, state := sess.Status()
		if state == session.StateComplete || state == session.StateError {
			return state
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session never reached a terminal state")
	return session.StateIdle
}

// collectChunks decrypts all outbound chunks up to and including the sentinel.
func collectChunks(t *testing.T, cipher *codec.Cipher, sess *session.Session) []string {
	t.Helper()
	n, _ := sess.Status()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		encoded, status := sess.ReadOutbound(i)
		require.Equal(t, session.ReadOK, status)
		env, err := codec.DecodeTXTChunk(encoded)
		require.NoError(t, err)
		text, err := cipher.Open(env)
		require.NoError(t, err)
		out = append(out, text)
	}
	return out
}

func TestGenerationStreamsAndCompletes(t *testing.T) {
	streamer := &scriptedStreamer{passes: []scriptedPass{
		{fragments: []string{"The ", "quick ", "brown ", "fox"}},
	}}
	o, cipher := newTestOrchestrator(t, streamer, nil)
	sess := session.NewStore(time.Minute, nil).Touch("ab12")

	state := sendTurn(t, o, cipher, sess, "tell me about foxes")
	assert.Equal(t, session.StateComplete, state)

	chunks := collectChunks(t, cipher, sess)
	require.NotEmpty(t, chunks)
	assert.Equal(t, codec.EOFSentinel, chunks[len(chunks)-1])
	assert.Equal(t, "The quick brown fox", strings.Join(chunks[:len(chunks)-1], ""))

	history := sess.History()
	require.Len(t, history, 2)
	assert.Equal(t, session.RoleUser, history[0].Role)
	assert.Equal(t, "tell me about foxes", history[0].Text)
	assert.Equal(t, session.RoleAssistant, history[1].Role)
	assert.Equal(t, "The quick brown fox", history[1].Text)
}

func TestLongResponseFlushesUnits(t *testing.T) {
	long := strings.Repeat("lorem ipsum dolor sit amet ", 40) // ~1080 chars
	streamer := &scriptedStreamer{passes: []scriptedPass{
		{fragments: []string{long}},
	}}
	o, cipher := newTestOrchestrator(t, streamer, nil)
	sess := session.NewStore(time.Minute, nil).Touch("ab12")

	state := sendTurn(t, o, cipher, sess, "go on")
	require.Equal(t, session.StateComplete, state)

	chunks := collectChunks(t, cipher, sess)
	// All but the final text chunk and the sentinel are full units.
	require.Greater(t, len(chunks), 3)
	for _, c := range chunks[:len(chunks)-2] {
		assert.Len(t, c, codec.OutboundPlainUnit)
	}
	assert.Equal(t, long, strings.Join(chunks[:len(chunks)-1], ""))
}

func TestDecryptFailureReportsEncryptedError(t *testing.T) {
	streamer := &scriptedStreamer{passes: []scriptedPass{{fragments: []string{"unused"}}}}
	o, cipher := newTestOrchestrator(t, streamer, nil)
	sess := session.NewStore(time.Minute, nil).Touch("ab12")

	// An envelope sealed under a different key.
	otherKeyText, err := codec.GenerateKey()
	require.NoError(t, err)
	otherKey, err := codec.ParseKey(otherKeyText)
	require.NoError(t, err)
	other, err := codec.NewCipher(otherKey)
	require.NoError(t, err)
	env, err := other.Seal("hello")
	require.NoError(t, err)

	labels := codec.SplitLabels(env)
	var assembled []byte
	for i, l := range labels {
		raw, derr := codec.DecodeLabel(l)
		require.NoError(t, derr)
		assembled, derr = sess.RecordInbound(i, len(labels), raw)
		require.NoError(t, derr)
	}
	require.NotNil(t, assembled)

	o.HandleInbound(context.Background(), sess, assembled)
	state := waitTerminal(t, sess)
	assert.Equal(t, session.StateError, state)

	chunks := collectChunks(t, cipher, sess)
	require.Len(t, chunks, 2)
	assert.Contains(t, chunks[0], "decrypt failed")
	assert.Equal(t, codec.EOFSentinel, chunks[1])
	assert.Equal(t, 0, streamer.calls, "upstream must not be called for undecryptable input")
}

func TestClearCommand(t *testing.T) {
	streamer := &scriptedStreamer{passes: []scriptedPass{{fragments: []string{"hi there"}}}}
	o, cipher := newTestOrchestrator(t, streamer, nil)
	sess := session.NewStore(time.Minute, nil).Touch("ab12")

	state := sendTurn(t, o, cipher, sess, "hello")
	require.Equal(t, session.StateComplete, state)
	require.Len(t, sess.History(), 2)

	state = sendTurn(t, o, cipher, sess, "/clear")
	require.Equal(t, session.StateComplete, state)

	chunks := collectChunks(t, cipher, sess)
	require.Len(t, chunks, 2)
	assert.Equal(t, "OK", chunks[0])
	assert.Equal(t, codec.EOFSentinel, chunks[1])
	assert.Empty(t, sess.History(), "history must be dropped")

	// The turn after a clear reaches upstream with only the new message.
	state = sendTurn(t, o, cipher, sess, "fresh start")
	require.Equal(t, session.StateComplete, state)
	last := streamer.seen[len(streamer.seen)-1]
	require.Len(t, last, 1)
	assert.Equal(t, "fresh start", last[0].Text)
}

func TestUpstreamRetryOnce(t *testing.T) {
	streamer := &scriptedStreamer{
		passes: []scriptedPass{{fragments: []string{"recovered"}}},
		errs:   []error{errors.New("connection reset")},
	}
	o, cipher := newTestOrchestrator(t, streamer, nil)
	sess := session.NewStore(time.Minute, nil).Touch("ab12")

	state := sendTurn(t, o, cipher, sess, "hello")
	assert.Equal(t, session.StateComplete, state)
	assert.Equal(t, 2, streamer.calls)

	chunks := collectChunks(t, cipher, sess)
	assert.Equal(t, "recovered", strings.Join(chunks[:len(chunks)-1], ""))
}

func TestUpstreamPersistentFailure(t *testing.T) {
	streamer := &scriptedStreamer{
		passes: []scriptedPass{{fragments: []string{"never"}}},
		errs:   []error{errors.New("boom"), errors.New("boom again")},
	}
	o, cipher := newTestOrchestrator(t, streamer, nil)
	sess := session.NewStore(time.Minute, nil).Touch("ab12")

	state := sendTurn(t, o, cipher, sess, "hello")
	assert.Equal(t, session.StateError, state)
	assert.Equal(t, 2, streamer.calls, "exactly two attempts")

	chunks := collectChunks(t, cipher, sess)
	require.Len(t, chunks, 2)
	assert.Contains(t, chunks[0], "upstream error")
	assert.Equal(t, codec.EOFSentinel, chunks[1])
}

func TestToolCallRoundTrip(t *testing.T) {
	searcher := &stubSearcher{result: "42 degrees and sunny"}
	streamer := &scriptedStreamer{passes: []scriptedPass{
		{toolCalls: []ToolCall{{ID: "call_1", Name: "web_search", Args: `{"query":"weather in oslo"}`}}},
		{fragments: []string{"It is 42 degrees."}},
	}}
	o, cipher := newTestOrchestrator(t, streamer, searcher)
	sess := session.NewStore(time.Minute, nil).Touch("ab12")

	state := sendTurn(t, o, cipher, sess, "what's the weather in oslo?")
	require.Equal(t, session.StateComplete, state)
	assert.Equal(t, "weather in oslo", searcher.query)

	// Second pass must carry the assistant tool request and the tool result.
	require.Len(t, streamer.seen, 2)
	second := streamer.seen[1]
	require.GreaterOrEqual(t, len(second), 3)
	toolTurn := second[len(second)-1]
	assert.Equal(t, session.RoleTool, toolTurn.Role)
	assert.Equal(t, "call_1", toolTurn.ToolCallID)
	assert.Equal(t, "42 degrees and sunny", toolTurn.Text)

	history := sess.History()
	require.Len(t, history, 3) // user, tool, assistant
	assert.Equal(t, session.RoleTool, history[1].Role)
}

// historyLenStreamer records how much history exists as each streaming
// pass starts.
type historyLenStreamer struct {
	inner *scriptedStreamer
	sess  *session.Session
	lens  []int
}

func (h *historyLenStreamer) Stream(ctx context.Context, conv []Turn, emit func(string) error) (*Result, error) {
	h.lens = append(h.lens, len(h.sess.History()))
	return h.inner.Stream(ctx, conv, emit)
}

func TestToolHistoryAppendedAfterStream(t *testing.T) {
	searcher := &stubSearcher{result: "found it"}
	inner := &scriptedStreamer{passes: []scriptedPass{
		{toolCalls: []ToolCall{{ID: "call_1", Name: "web_search", Args: `{"query":"x"}`}}},
		{fragments: []string{"answer"}},
	}}
	sess := session.NewStore(time.Minute, nil).Touch("ab12")
	streamer := &historyLenStreamer{inner: inner, sess: sess}
	o, cipher := newTestOrchestrator(t, streamer, searcher)

	state := sendTurn(t, o, cipher, sess, "look up x")
	require.Equal(t, session.StateComplete, state)

	// Both passes saw only the user entry; the tool result lands in
	// history once the stream is over.
	assert.Equal(t, []int{1, 1}, streamer.lens)

	history := sess.History()
	require.Len(t, history, 3)
	assert.Equal(t, session.RoleUser, history[0].Role)
	assert.Equal(t, session.RoleTool, history[1].Role)
	assert.Equal(t, session.RoleAssistant, history[2].Role)
}

func TestToolFailureDoesNotAbortTurn(t *testing.T) {
	searcher := &stubSearcher{err: errors.New("search backend down")}
	streamer := &scriptedStreamer{passes: []scriptedPass{
		{toolCalls: []ToolCall{{ID: "call_1", Name: "web_search", Args: `{"query":"x"}`}}},
		{fragments: []string{"I could not search, sorry."}},
	}}
	o, cipher := newTestOrchestrator(t, streamer, searcher)
	sess := session.NewStore(time.Minute, nil).Touch("ab12")

	state := sendTurn(t, o, cipher, sess, "search for x")
	assert.Equal(t, session.StateComplete, state)

	require.Len(t, streamer.seen, 2)
	toolTurn := streamer.seen[1][len(streamer.seen[1])-1]
	assert.Contains(t, toolTurn.Text, "tool error")
}

func TestCancellationDiscardsOutput(t *testing.T) {
	block := make(chan struct{})
	streamer := &blockingStreamer{block: block}
	o, cipher := newTestOrchestrator(t, streamer, nil)
	store := session.NewStore(time.Minute, nil)
	sess := store.Touch("ab12")

	env, err := cipher.Seal("hello")
	require.NoError(t, err)
	labels := codec.SplitLabels(env)
	var assembled []byte
	for i, l := range labels {
		raw, derr := codec.DecodeLabel(l)
		require.NoError(t, derr)
		assembled, derr = sess.RecordInbound(i, len(labels), raw)
		require.NoError(t, derr)
	}
	require.NotNil(t, assembled)

	o.HandleInbound(context.Background(), sess, assembled)
	sess.Clear() // cancels the generation context

	close(block)
	time.Sleep(50 * time.Millisecond)

	// The cancelled run must not finish the (now reset) session.
	n, state := sess.Status()
	assert.Equal(t, session.StateIdle, state)
	assert.Equal(t, 0, n)
}

// blockingStreamer waits until released, then fails with the context error.
type blockingStreamer struct {
	block chan struct{}
}

func (b *blockingStreamer) Stream(ctx context.Context, conv []Turn, emit func(string) error) (*Result, error) {
	<-b.block
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Result{}, nil
}
