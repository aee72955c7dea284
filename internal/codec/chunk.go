package codec

import (
	"encoding/base32"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// DNS limits a label to 63 octets and a full name to 255. Inbound chunk
// payloads ride in a single subdomain label, so they use base32: middle
// resolvers are allowed to fold case, and base32 round-trips through that
// unharmed. Outbound chunks ride in TXT strings, which are 8-bit clean and
// case-preserving, so they use the denser urlsafe base64.

const (
	// MaxLabelLen is the DNS limit on a single label.
	MaxLabelLen = 63

	// MaxChunkPayload is the raw byte capacity of one inbound chunk:
	// the largest n with base32Len(n) <= MaxLabelLen.
	MaxChunkPayload = MaxLabelLen * 5 / 8

	// MaxTXTChunkLen bounds one outbound chunk's encoded form, leaving
	// headroom under the 255-octet TXT string limit.
	MaxTXTChunkLen = 220

	// OutboundPlainUnit is the plaintext flush unit for streaming
	// responses. Sized so that packing, encryption, and base64 stay
	// under MaxTXTChunkLen: (128+1+29)*4/3 = 211.
	OutboundPlainUnit = 128

	// EOFSentinel is the decrypted plaintext of the terminal outbound
	// chunk. A single EOT byte; model output units are never exactly this.
	EOFSentinel = "\x04"
)

// ErrReassembly is returned when joined chunks do not decode to a valid
// byte stream.
var ErrReassembly = errors.New("codec: reassembly failed")

var (
	labelEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)
	txtEncoding   = base64.RawURLEncoding
)

// SplitLabels splits an encrypted payload into per-chunk DNS labels.
// Each returned label is lowercase base32, at most MaxLabelLen characters.
// Concatenating the decoded labels in order reproduces the input, and the
// split is deterministic. A zero-length input yields a single empty-payload
// chunk so that every message occupies at least one query.
func SplitLabels(data []byte) []string {
	if len(data) == 0 {
		return []string{""}
	}
	n := (len(data) + MaxChunkPayload - 1) / MaxChunkPayload
	labels := make([]string, 0, n)
	for start := 0; start < len(data); start += MaxChunkPayload {
		end := min(start+MaxChunkPayload, len(data))
		labels = append(labels, strings.ToLower(labelEncoding.EncodeToString(data[start:end])))
	}
	return labels
}

// DecodeLabel decodes one inbound chunk label, accepting either case.
func DecodeLabel(label string) ([]byte, error) {
	if len(label) > MaxLabelLen {
		return nil, fmt.Errorf("%w: label exceeds %d chars", ErrReassembly, MaxLabelLen)
	}
	raw, err := labelEncoding.DecodeString(strings.ToUpper(label))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReassembly, err)
	}
	return raw, nil
}

// JoinChunks concatenates chunk payloads delivered in index order and
// verifies that the result is at least a plausible encryption envelope.
// The cryptographic check happens later in Cipher.Open.
func JoinChunks(chunks [][]byte) ([]byte, error) {
	var total int
	for _, c := range chunks {
		total += len(c)
	}
	joined := make([]byte, 0, total)
	for _, c := range chunks {
		joined = append(joined, c...)
	}
	if len(joined) < EnvelopeOverhead {
		return nil, fmt.Errorf("%w: %d bytes is shorter than an envelope", ErrReassembly, len(joined))
	}
	return joined, nil
}

// EncodeTXTChunk encodes one encrypted outbound chunk for a TXT string.
func EncodeTXTChunk(env []byte) string {
	return txtEncoding.EncodeToString(env)
}

// DecodeTXTChunk reverses EncodeTXTChunk.
func DecodeTXTChunk(s string) ([]byte, error) {
	raw, err := txtEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReassembly, err)
	}
	return raw, nil
}
