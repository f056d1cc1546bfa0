package prov

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/decred/slog"
)

func TestNewLoggerMaker(t *testing.T) {
	lm, err := NewLoggerMaker(io.Discard, "info", true)
	if err != nil {
		t.Fatalf("NewLoggerMaker error: %v", err)
	}
	if lm.DefaultLevel != slog.LevelInfo {
		t.Fatalf("wrong default level %v", lm.DefaultLevel)
	}

	lm, err = NewLoggerMaker(io.Discard, "CONF=trace,RELAY=warn", true)
	if err != nil {
		t.Fatalf("NewLoggerMaker error for subsystem levels: %v", err)
	}
	if lm.Levels["CONF"] != slog.LevelTrace || lm.Levels["RELAY"] != slog.LevelWarn {
		t.Fatalf("wrong subsystem levels %+v", lm.Levels)
	}

	if _, err = NewLoggerMaker(io.Discard, "chatty", true); err == nil {
		t.Fatal("no error for an unknown level")
	}
	if _, err = NewLoggerMaker(io.Discard, "CONF=info=extra", true); err == nil {
		t.Fatal("no error for a malformed specification")
	}
}

func TestSubLogger(t *testing.T) {
	var buf bytes.Buffer
	lm, err := NewLoggerMaker(&buf, "CONF=info", true)
	if err != nil {
		t.Fatalf("NewLoggerMaker error: %v", err)
	}

	sub := lm.SubLogger("CONF", "flow-1")
	sub.Infof("hello")
	if !strings.Contains(buf.String(), "CONF[flow-1]") {
		t.Fatalf("subsystem tag missing from %q", buf.String())
	}
	// The parent subsystem's level applies.
	sub.Debugf("too detailed")
	if strings.Contains(buf.String(), "too detailed") {
		t.Fatal("sublogger ignored the parent's level")
	}
}
