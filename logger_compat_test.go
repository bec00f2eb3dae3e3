package durable

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/goliatone/go-logger/glog"
)

func TestGlogAdapterWritesThroughBaseLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	base := glog.NewLogger(
		glog.WithWriter(buf),
		glog.WithLoggerTypeJSON(),
		glog.WithLevel("trace"),
	)
	logger := NewGlogAdapter(base)

	logger.Info("instance %s advanced", "wf-1")
	if strings.TrimSpace(buf.String()) == "" {
		t.Fatalf("expected go-logger BaseLogger output")
	}

	fielded := WithLoggerFields(logger, map[string]any{"instance_id": "wf-1"})
	fielded.Warn("lease expired")
	if !strings.Contains(buf.String(), "instance_id") {
		t.Fatalf("expected structured correlation fields in BaseLogger output")
	}

	ctxed := logger.WithContext(context.Background())
	ctxed.Debug("context carried")
	if !strings.Contains(buf.String(), "context carried") {
		t.Fatalf("expected context-scoped logger to keep writing")
	}
}

func TestGlogAdapterNilFallsBackToFmtLogger(t *testing.T) {
	logger := NewGlogAdapter(nil)
	if _, ok := logger.(*FmtLogger); !ok {
		t.Fatalf("expected nil glog logger to normalize to FmtLogger fallback")
	}
}

func TestNormalizeLoggerFallback(t *testing.T) {
	if _, ok := NormalizeLogger(nil).(*FmtLogger); !ok {
		t.Fatalf("expected nil logger to normalize to FmtLogger")
	}
	buf := &bytes.Buffer{}
	fl := NewFmtLogger(buf)
	if got := NormalizeLogger(fl); got != fl {
		t.Fatalf("expected configured logger to pass through")
	}
}

func TestFmtLoggerFormatsFieldsSorted(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := WithLoggerFields(NewFmtLogger(buf), map[string]any{"b": 2, "a": 1})
	logger.Info("instance %s advanced", "wf-1")
	out := buf.String()
	if !strings.Contains(out, "[INFO] instance wf-1 advanced a=1 b=2") {
		t.Fatalf("unexpected fallback output %q", out)
	}
}
