package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// REPL is the interactive chat loop.
type REPL struct {
	client *Client
	in     io.Reader
	out    io.Writer
}

// NewREPL wires the chat loop to a transport and a terminal.
func NewREPL(c *Client, in io.Reader, out io.Writer) *REPL {
	return &REPL{client: c, in: in, out: out}
}

// Run reads prompts until EOF or /quit. The /clear command travels
// through the tunnel like any other message; the server resets the
// conversation and answers OK.
func (r *REPL) Run(ctx context.Context) error {
	fmt.Fprintf(r.out, "connected (session %s). /clear resets, /quit exits.\n", r.client.SID())

	scanner := bufio.NewScanner(r.in)
	for {
		fmt.Fprint(r.out, "\nyou> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch line {
		case "quit", "exit", "/quit", "/exit":
			return nil
		}

		fmt.Fprint(r.out, "\nllm> ")
		_, err := r.client.Send(ctx, line, func(text string) {
			fmt.Fprint(r.out, text)
		})
		fmt.Fprintln(r.out)

		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			return err
		case errors.Is(err, ErrServerReported):
			// The diagnostic text was already rendered above.
		default:
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
	}
}
