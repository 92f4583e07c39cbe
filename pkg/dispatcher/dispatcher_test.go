package dispatcher

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/wisbric/preflightwatch/internal/db"
	"github.com/wisbric/preflightwatch/pkg/outbox"
)

func TestSignMatchesHMACSHA256OfTimestampDotBody(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	secret := "shh"
	timestamp := "1700000000"

	got := sign(secret, timestamp, body)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if got != want {
		t.Fatalf("sign() = %q, want %q", got, want)
	}
}

func TestSignChangesWhenTimestampChanges(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	secret := "shh"

	a := sign(secret, "1700000000", body)
	b := sign(secret, "1700000001", body)

	if a == b {
		t.Fatalf("sign() did not change when timestamp changed: %q", a)
	}
}

func TestSignChangesWhenBodyChanges(t *testing.T) {
	secret := "shh"
	timestamp := "1700000000"

	a := sign(secret, timestamp, []byte(`{"hello":"world"}`))
	b := sign(secret, timestamp, []byte(`{"hello":"there"}`))

	if a == b {
		t.Fatalf("sign() did not change when body changed: %q", a)
	}
}

func TestSanitizeErrorStripsControlCharsAndTruncates(t *testing.T) {
	msg := "line one\r\nline two\nline three"
	got := sanitizeError(msg)
	if strings.ContainsAny(got, "\r\n") {
		t.Fatalf("sanitizeError left control characters: %q", got)
	}

	long := strings.Repeat("x", maxErrorMessageLen+100)
	got = sanitizeError(long)
	if len(got) != maxErrorMessageLen {
		t.Fatalf("sanitizeError length = %d, want %d", len(got), maxErrorMessageLen)
	}
}

func TestClassifyNetworkError(t *testing.T) {
	cases := []struct {
		msg      string
		wantCode string
	}{
		{"context deadline exceeded", "TIMEOUT"},
		{"net/http: request canceled (Client.Timeout exceeded while awaiting headers)", "TIMEOUT"},
		{"dial tcp: connection refused", "NETWORK_ERROR"},
		{"dial tcp: lookup example.invalid: no such host", "NETWORK_ERROR"},
		{"something else entirely went wrong", "UNEXPECTED_ERROR"},
	}

	for _, tc := range cases {
		code, _ := classifyNetworkError(errString(tc.msg))
		if code != tc.wantCode {
			t.Errorf("classifyNetworkError(%q) code = %q, want %q", tc.msg, code, tc.wantCode)
		}
	}
}

func TestEnvelopeRendersV1Shape(t *testing.T) {
	replayedFrom := "prior-id"
	payload, err := json.Marshal(outbox.AlertTransitionPayload{
		Alert: outbox.AlertFields{
			AlertID: "alert-1", PolicyID: "policy-1", Severity: "critical",
			PreviousStatus: "PENDING", Status: "FIRING",
			CurrentValue: 0.42, Threshold: 0.1, Message: "breached threshold",
		},
		Context: json.RawMessage(`{"metric_type":"null_rate"}`),
	})
	if err != nil {
		t.Fatalf("marshaling test payload: %v", err)
	}

	item := db.OutboxItemRow{
		ID: "item-1", EventID: "evt-1", DeliveryID: "del-1", ReplayedFromID: &replayedFrom,
		EventType: "ALERT_FIRING", AlertID: "alert-1", PolicyID: "policy-1",
		PayloadJSON: payload, CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	body, err := envelope(item)
	if err != nil {
		t.Fatalf("envelope() error = %v", err)
	}

	var decoded webhookEnvelope
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("decoding rendered envelope: %v", err)
	}

	if decoded.Version != "v1" {
		t.Errorf("version = %q, want v1", decoded.Version)
	}
	if decoded.EventID != "evt-1" || decoded.EventType != "ALERT_FIRING" {
		t.Errorf("event fields mismatch: %+v", decoded)
	}
	if decoded.Alert.PolicyID != "policy-1" || decoded.Alert.AlertID != "alert-1" {
		t.Errorf("alert fields mismatch: %+v", decoded.Alert)
	}
	if decoded.Alert.PreviousStatus != "PENDING" || decoded.Alert.Status != "FIRING" {
		t.Errorf("alert status transition mismatch: %+v", decoded.Alert)
	}
	if decoded.Alert.Message != "breached threshold" {
		t.Errorf("alert message mismatch: %+v", decoded.Alert)
	}
	if !strings.Contains(string(decoded.Context), "null_rate") {
		t.Errorf("context not preserved: %s", decoded.Context)
	}
	if decoded.Delivery.DeliveryID != "del-1" || decoded.Delivery.ReplayedFromID == nil || *decoded.Delivery.ReplayedFromID != "prior-id" {
		t.Errorf("delivery fields mismatch: %+v", decoded.Delivery)
	}
}

func TestEnvelopeDefaultsEmptyPayloadToEmptyObject(t *testing.T) {
	item := db.OutboxItemRow{ID: "item-2", EventID: "evt-2", DeliveryID: "del-2", EventType: "ALERT_RESOLVED"}

	body, err := envelope(item)
	if err != nil {
		t.Fatalf("envelope() error = %v", err)
	}
	if !strings.Contains(string(body), `"context":{}`) {
		t.Fatalf("expected empty context object in payload, got %s", body)
	}
}

// errString lets test cases construct a plain error from a literal message.
type errString string

func (e errString) Error() string { return string(e) }
