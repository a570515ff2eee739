package lib

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDefaultLogger(t *testing.T) {
	// pre-define expected
	expected := NewLogger(LoggerConfig{
		Level: DebugLevel,
		Out:   os.Stdout,
	})
	// execute the function call
	got := NewDefaultLogger()
	// compare got vs expected
	require.Equal(t, expected, got)
}

func TestNewNullLogger(t *testing.T) {
	// pre-define expected
	expected := NewLogger(LoggerConfig{
		Level: DebugLevel,
		Out:   io.Discard,
	})
	// execute the function call
	got := NewNullLogger()
	// compare got vs expected
	require.Equal(t, expected, got)
}

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		name     string
		detail   string
		level    int32
		log      func(l LoggerI)
		expected string
		silent   bool
	}{
		{
			name:     "info at info",
			detail:   "an info line is written when the level is info",
			level:    InfoLevel,
			log:      func(l LoggerI) { l.Infof("event %d", 42) },
			expected: "INFO: event 42",
		},
		{
			name:   "debug at info",
			detail: "a debug line is dropped when the level is info",
			level:  InfoLevel,
			log:    func(l LoggerI) { l.Debug("hidden") },
			silent: true,
		},
		{
			name:     "module prefix",
			detail:   "a module scoped logger prefixes the line",
			level:    DebugLevel,
			log:      func(l LoggerI) { l.Module("aggregator").Warn("digest mismatch") },
			expected: "WARN: [aggregator] digest mismatch",
		},
		{
			name:     "nested module prefix",
			detail:   "nested module names are concatenated",
			level:    DebugLevel,
			log:      func(l LoggerI) { l.Module("gadget").Module("gossip").Error("bad") },
			expected: "ERROR: [gadget] [gossip] bad",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			// create the logger writing into the buffer
			logger := NewLogger(LoggerConfig{Level: test.level, Out: buf})
			// execute the function call
			test.log(logger)
			// validate the output
			if test.silent {
				require.Zero(t, buf.Len())
				return
			}
			require.Contains(t, buf.String(), test.expected)
		})
	}
}
