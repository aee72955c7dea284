// Package tunnel defines the query-name grammar spoken over the DNS
// channel. The leftmost label of a query name selects the command; the
// labels that follow carry the session id and command arguments, and the
// trailing labels must equal the configured suffix:
//
//	msg.<sid>.<idx>.<total>.<payload>.<suffix>
//	get.<sid>.<idx>.<suffix>
//	cnt.<sid>.<suffix>
//	clr.<sid>.<suffix>
//	tst.<suffix>
//
// Both peers import this package; the server parses names into Commands
// and the client formats them.
package tunnel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/burrowchat/burrow/internal/codec"
)

const (
	// MaxSIDLen bounds the session id label.
	MaxSIDLen = 8

	// MaxTotal caps the chunk count of one inbound message, so a bogus
	// total cannot reserve unbounded reassembly state.
	MaxTotal = 4096

	// maxNameLen is the DNS limit on a presentation-format query name.
	maxNameLen = 255
)

var (
	// ErrForeignSuffix marks queries outside the configured zone;
	// the server answers these with REFUSED.
	ErrForeignSuffix = errors.New("tunnel: query outside configured suffix")

	// ErrUnknownCommand marks an unrecognized leftmost label.
	ErrUnknownCommand = errors.New("tunnel: unknown command")

	// ErrMalformedQuery marks a recognized command with bad arguments.
	ErrMalformedQuery = errors.New("tunnel: malformed query")
)

// Command is the tagged result of parsing a query name.
type Command interface{ isCommand() }

// Msg delivers one inbound request chunk.
type Msg struct {
	SID     string
	Index   int
	Total   int
	Payload []byte
}

// Get asks for one outbound response chunk.
type Get struct {
	SID   string
	Index int
}

// Cnt asks for the produced chunk count and generation state.
type Cnt struct {
	SID string
}

// Clr resets the session's history and buffers.
type Clr struct {
	SID string
}

// Tst is the health probe.
type Tst struct{}

func (Msg) isCommand() {}
func (Get) isCommand() {}
func (Cnt) isCommand() {}
func (Clr) isCommand() {}
func (Tst) isCommand() {}

// Parse dissects a query name against the configured suffix. The name is
// matched case-insensitively and with or without the trailing root dot.
func Parse(qname, suffix string) (Command, error) {
	name := strings.ToLower(strings.TrimSuffix(qname, "."))
	if len(name) > maxNameLen {
		return nil, fmt.Errorf("%w: name exceeds %d octets", ErrMalformedQuery, maxNameLen)
	}

	sfx := strings.ToLower(strings.TrimSuffix(suffix, "."))
	if name != sfx && !strings.HasSuffix(name, "."+sfx) {
		return nil, ErrForeignSuffix
	}
	head := strings.TrimSuffix(strings.TrimSuffix(name, sfx), ".")
	if head == "" {
		return nil, ErrUnknownCommand
	}

	labels := strings.Split(head, ".")
	switch labels[0] {
	case "msg":
		return parseMsg(labels[1:])
	case "get":
		return parseGet(labels[1:])
	case "cnt":
		if len(labels) != 2 {
			return nil, fmt.Errorf("%w: cnt wants exactly one argument", ErrMalformedQuery)
		}
		sid, err := parseSID(labels[1])
		if err != nil {
			return nil, err
		}
		return Cnt{SID: sid}, nil
	case "clr":
		if len(labels) != 2 {
			return nil, fmt.Errorf("%w: clr wants exactly one argument", ErrMalformedQuery)
		}
		sid, err := parseSID(labels[1])
		if err != nil {
			return nil, err
		}
		return Clr{SID: sid}, nil
	case "tst":
		if len(labels) != 1 {
			return nil, fmt.Errorf("%w: tst takes no arguments", ErrMalformedQuery)
		}
		return Tst{}, nil
	default:
		return nil, ErrUnknownCommand
	}
}

func parseMsg(args []string) (Command, error) {
	if len(args) != 4 {
		return nil, fmt.Errorf("%w: msg wants sid.idx.total.payload", ErrMalformedQuery)
	}
	sid, err := parseSID(args[0])
	if err != nil {
		return nil, err
	}
	idx, err := parseIndex(args[1])
	if err != nil {
		return nil, err
	}
	total, err := parseIndex(args[2])
	if err != nil {
		return nil, err
	}
	if total < 1 || total > MaxTotal {
		return nil, fmt.Errorf("%w: total %d out of range [1,%d]", ErrMalformedQuery, total, MaxTotal)
	}
	if idx >= total {
		return nil, fmt.Errorf("%w: index %d >= total %d", ErrMalformedQuery, idx, total)
	}
	payload, err := codec.DecodeLabel(args[3])
	if err != nil {
		return nil, fmt.Errorf("%w: bad payload label", ErrMalformedQuery)
	}
	return Msg{SID: sid, Index: idx, Total: total, Payload: payload}, nil
}

func parseGet(args []string) (Command, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%w: get wants sid.idx", ErrMalformedQuery)
	}
	sid, err := parseSID(args[0])
	if err != nil {
		return nil, err
	}
	idx, err := parseIndex(args[1])
	if err != nil {
		return nil, err
	}
	return Get{SID: sid, Index: idx}, nil
}

func parseSID(s string) (string, error) {
	if len(s) == 0 || len(s) > MaxSIDLen {
		return "", fmt.Errorf("%w: session id must be 1-%d chars", ErrMalformedQuery, MaxSIDLen)
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("%w: session id must be alphanumeric", ErrMalformedQuery)
		}
	}
	return s, nil
}

// parseIndex accepts only canonical decimal labels: digits, no sign, no
// leading zeros. Anything looser would let distinct names alias the same
// chunk coordinates.
func parseIndex(s string) (int, error) {
	if s == "" || len(s) > 4 || (len(s) > 1 && s[0] == '0') {
		return 0, fmt.Errorf("%w: bad integer label %q", ErrMalformedQuery, s)
	}
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("%w: bad integer label %q", ErrMalformedQuery, s)
		}
		n = n*10 + int(s[i]-'0')
	}
	return n, nil
}

// MsgName formats a msg query name for the client.
func MsgName(suffix, sid string, idx, total int, payload string) string {
	return fmt.Sprintf("msg.%s.%d.%d.%s.%s", sid, idx, total, payload, suffix)
}

// GetName formats a get query name.
func GetName(suffix, sid string, idx int) string {
	return fmt.Sprintf("get.%s.%d.%s", sid, idx, suffix)
}

// CntName formats a cnt query name.
func CntName(suffix, sid string) string {
	return fmt.Sprintf("cnt.%s.%s", sid, suffix)
}

// ClrName formats a clr query name.
func ClrName(suffix, sid string) string {
	return fmt.Sprintf("clr.%s.%s", sid, suffix)
}

// TstName formats the health probe name.
func TstName(suffix string) string {
	return fmt.Sprintf("tst.%s", suffix)
}
