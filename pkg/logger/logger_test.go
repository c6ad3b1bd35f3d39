package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesAuditThroughRotation(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit", "audit.log")
	logPath := filepath.Join(dir, "app.log")

	if err := Init(Config{Level: "debug", Format: "json", OutputPaths: []string{logPath},
		Audit: AuditConfig{Enabled: true, Path: auditPath}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	Named("pipeline").Info("started")
	Audit().Info("confirm", slog.String("pending_id", "evm_confirm_1"))
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	raw, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(raw), &line); err != nil {
		t.Fatalf("audit line is not json: %v (%s)", err, raw)
	}
	if line["pending_id"] != "evm_confirm_1" || line["stream"] != "audit" {
		t.Fatalf("unexpected audit line %v", line)
	}

	app, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read app log: %v", err)
	}
	if !strings.Contains(string(app), `"component":"pipeline"`) {
		t.Fatalf("component attribute missing: %s", app)
	}
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	scoped := slog.New(slog.NewTextHandler(&buf, nil)).With(slog.String("request_id", "r-1"))
	ctx := WithContext(context.Background(), scoped)

	FromContext(ctx, nil).Info("hello")
	if !strings.Contains(buf.String(), "request_id=r-1") {
		t.Fatalf("scoped logger not used: %s", buf.String())
	}
	fallback := slog.New(slog.NewTextHandler(&buf, nil))
	if FromContext(context.Background(), fallback) != fallback {
		t.Fatal("fallback logger not returned")
	}
}

func TestActorRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := ActorFrom(ctx); got != "" {
		t.Fatalf("unexpected actor %q", got)
	}
	if WithActor(ctx, "") != ctx {
		t.Fatal("empty actor should not wrap the context")
	}
	if got := ActorFrom(WithActor(ctx, "agent")); got != "agent" {
		t.Fatalf("expected agent, got %q", got)
	}
}

func TestInitReplacesLoggers(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")

	if err := Init(Config{Format: "text", OutputPaths: []string{first}}); err != nil {
		t.Fatalf("first init: %v", err)
	}
	L().Info("one")
	if err := Init(Config{Format: "json", OutputPaths: []string{second}}); err != nil {
		t.Fatalf("second init: %v", err)
	}
	L().Info("two")
	Audit().Info("audited")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	rawFirst, _ := os.ReadFile(first)
	rawSecond, _ := os.ReadFile(second)
	if !strings.Contains(string(rawFirst), "msg=one") || strings.Contains(string(rawFirst), "two") {
		t.Fatalf("unexpected first log: %s", rawFirst)
	}
	if !strings.Contains(string(rawSecond), `"msg":"two"`) || !strings.Contains(string(rawSecond), `"stream":"audit"`) {
		t.Fatalf("unexpected second log: %s", rawSecond)
	}
}

func TestInitRejectsAuditWithoutPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatal("expected error for audit without path")
	}
}
