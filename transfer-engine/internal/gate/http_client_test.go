package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/models"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func jsonResponse(status int, v interface{}) *http.Response {
	body, _ := json.Marshal(v)
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(bytes.NewReader(body)),
		Header:     make(http.Header),
	}
}

func TestHTTPKillSwitchReadsRemoteState(t *testing.T) {
	calls := 0
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls++
		if r.URL.Path != "/safety/kill-switch" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Fatalf("unexpected auth header %q", got)
		}
		if calls == 1 {
			return jsonResponse(http.StatusBadGateway, map[string]string{"error": "upstream"}), nil
		}
		return jsonResponse(http.StatusOK, models.KillSwitchState{Active: true, Reason: "audit"}), nil
	})

	ks, err := NewHTTPKillSwitch(HTTPKillSwitchConfig{
		BaseURL:    "http://transfer/",
		Token:      "tok",
		Timeout:    time.Second,
		Retries:    1,
		HTTPClient: &http.Client{Transport: transport},
	})
	if err != nil {
		t.Fatalf("new kill switch: %v", err)
	}

	active, err := ks.IsActive(context.Background())
	if err != nil {
		t.Fatalf("is active: %v", err)
	}
	if !active {
		t.Fatalf("expected active kill switch")
	}
	if calls != 2 {
		t.Fatalf("expected one retry, got %d calls", calls)
	}
}

func TestHTTPKillSwitchActivate(t *testing.T) {
	var got map[string]string
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if r.Method != http.MethodPost || r.URL.Path != "/safety/kill-switch/activate" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		return jsonResponse(http.StatusOK, models.KillSwitchState{Active: true}), nil
	})
	ks, err := NewHTTPKillSwitch(HTTPKillSwitchConfig{BaseURL: "http://transfer", HTTPClient: &http.Client{Transport: transport}})
	if err != nil {
		t.Fatalf("new kill switch: %v", err)
	}
	if err := ks.Activate(context.Background(), "ops", "recall"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if got["by"] != "ops" || got["reason"] != "recall" {
		t.Fatalf("unexpected payload %v", got)
	}
}

func TestHTTPKillSwitchErrorFailsGateClosed(t *testing.T) {
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusForbidden, map[string]string{"error": "nope"}), nil
	})
	ks, err := NewHTTPKillSwitch(HTTPKillSwitchConfig{BaseURL: "http://transfer", HTTPClient: &http.Client{Transport: transport}})
	if err != nil {
		t.Fatalf("new kill switch: %v", err)
	}
	d, err := New(ks, Options{WritesEnabled: true}).CheckWritable(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if d.Allowed || d.Rule != RuleUnavailable {
		t.Fatalf("expected refusal, got %+v", d)
	}
}

func TestNewHTTPKillSwitchRequiresURL(t *testing.T) {
	if _, err := NewHTTPKillSwitch(HTTPKillSwitchConfig{}); err == nil {
		t.Fatalf("expected error for missing base url")
	}
}
