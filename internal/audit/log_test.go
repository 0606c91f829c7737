package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"hireloop.dev/internal/auth"
	"hireloop.dev/internal/obs"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(original) })
	return &buf
}

func TestLogEvent(t *testing.T) {
	buf := captureLog(t)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithIdentity(ctx, auth.Identity{
		PrincipalID:  "01J0PRINCIPAL",
		Role:         auth.RoleCompany,
		Method:       auth.MethodSession,
		Type:         auth.TypeUser,
		AccessToken:  "secret-access",
		RefreshToken: "secret-refresh",
	})

	if err := LogEvent(ctx, "auth.login", map[string]any{"foo": "bar"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.String()
	if line == "" {
		t.Fatal("expected log output")
	}
	if strings.Contains(line, "secret-access") || strings.Contains(line, "secret-refresh") {
		t.Fatalf("audit entry leaked session tokens: %s", line)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "auth.login" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["principal_id"] != "01J0PRINCIPAL" || entry["role"] != "COMPANY" || entry["auth_method"] != "session" {
		t.Fatalf("unexpected identity fields: %v", entry)
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["foo"] != "bar" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventAPIClient(t *testing.T) {
	buf := captureLog(t)

	ctx := auth.ContextWithIdentity(context.Background(), auth.Identity{
		PrincipalID: "ops",
		Method:      auth.MethodAPIKey,
		Type:        auth.TypeAPIClient,
		APIClient:   &auth.APIClient{APIKeyID: "key-7", ClientID: "ops"},
	})
	if err := LogEvent(ctx, "auth.registered", nil); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["api_key_id"] != "key-7" || entry["auth_method"] != "api_key" {
		t.Fatalf("unexpected api client fields: %v", entry)
	}
	if _, ok := entry["request_id"]; ok {
		t.Fatalf("request_id must be omitted when absent")
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event name")
	}
}
