package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowchat/burrow/internal/logging"
)

func TestJSONOutputIsParseable(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.ConfigureWriter(logging.Config{JSON: true}, &buf)

	logger.Info("listening", "addr", "127.0.0.1:5553")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "listening", entry["msg"])
	assert.Equal(t, "127.0.0.1:5553", entry["addr"])
}

func TestVerboseEnablesDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.ConfigureWriter(logging.Config{Verbose: true}, &buf)

	logger.Debug("chunk sent", "idx", 3)
	assert.Contains(t, buf.String(), "chunk sent")
}

func TestQuietSuppressesInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.ConfigureWriter(logging.Config{Quiet: true}, &buf)

	logger.Info("noise")
	assert.Empty(t, buf.String())

	logger.Warn("ack timeout")
	assert.Contains(t, buf.String(), "ack timeout")
}

func TestVerboseWinsOverQuiet(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.ConfigureWriter(logging.Config{Quiet: true, Verbose: true}, &buf)

	logger.Debug("detail")
	assert.Contains(t, buf.String(), "detail")
}
