// Command burrow is the DNS-tunneled LLM chat proxy: a server that
// answers tunnel queries under a configured domain suffix, and a client
// that chats through it.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/burrowchat/burrow/internal/client"
	"github.com/burrowchat/burrow/internal/codec"
)

// Exit codes. Configuration problems and other runtime failures share 1;
// transport and decrypt failures get their own codes so scripts can tell
// an unreachable tunnel from a key mismatch.
const (
	exitOK        = 0
	exitFailure   = 1
	exitTransport = 2
	exitDecrypt   = 3
)

// exitError carries a process exit code alongside the cause.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configErr(err error) error    { return &exitError{code: exitFailure, err: err} }
func transportErr(err error) error { return &exitError{code: exitTransport, err: err} }

// exitCodeFor classifies an error from any verb into a process exit code.
func exitCodeFor(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	switch {
	case errors.Is(err, codec.ErrDecrypt):
		return exitDecrypt
	case errors.Is(err, client.ErrNoAck):
		return exitTransport
	}
	return exitFailure
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "burrow: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
	os.Exit(exitOK)
}
