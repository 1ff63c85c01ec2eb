package holds

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"roundup-engine-go/internal/models"
	"roundup-engine-go/internal/payment"

	"github.com/stripe/stripe-go/v76"
)

func newTestService(t *testing.T, handler http.HandlerFunc) *Service {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(server.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})

	svc, err := NewService("sk_test_123", &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestNewService_RequiresKey(t *testing.T) {
	if _, err := NewService("", nil); err == nil {
		t.Fatal("Expected error for empty key")
	}
}

func TestGetHold(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/payment_intents/pi_1" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		writeJSON(w, http.StatusOK, `{"id":"pi_1","object":"payment_intent","status":"requires_capture","amount":1234,"metadata":{"account_id":"acct_src"}}`)
	})

	hold, err := svc.GetHold(context.Background(), "pi_1")
	if err != nil {
		t.Fatalf("GetHold failed: %v", err)
	}
	if hold.Status != models.HoldStatusRequiresCapture {
		t.Errorf("Expected requires_capture, got %s", hold.Status)
	}
	if hold.Amount.String() != "12.34" {
		t.Errorf("Expected amount 12.34, got %s", hold.Amount)
	}
	if hold.AccountId != "acct_src" {
		t.Errorf("Expected account acct_src, got %s", hold.AccountId)
	}
}

func TestGetHold_NotFound(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such payment_intent"}}`)
	})

	_, err := svc.GetHold(context.Background(), "pi_missing")
	if !errors.Is(err, payment.ErrHoldNotFound) {
		t.Fatalf("Expected ErrHoldNotFound, got %v", err)
	}
}

func TestCancelHold(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/cancel") {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		writeJSON(w, http.StatusOK, `{"id":"pi_1","object":"payment_intent","status":"canceled","amount":500}`)
	})

	hold, err := svc.CancelHold(context.Background(), "pi_1")
	if err != nil {
		t.Fatalf("CancelHold failed: %v", err)
	}
	if !hold.IsTerminal() {
		t.Errorf("Expected terminal hold, got %s", hold.Status)
	}
}

func TestCancelHold_AlreadyCanceled(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			writeJSON(w, http.StatusBadRequest, `{"error":{"type":"invalid_request_error","code":"payment_intent_unexpected_state","message":"already canceled"}}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"id":"pi_1","object":"payment_intent","status":"canceled","amount":500}`)
	})

	hold, err := svc.CancelHold(context.Background(), "pi_1")
	if err != nil {
		t.Fatalf("Expected already-canceled hold to succeed, got %v", err)
	}
	if hold.Status != models.HoldStatusCanceled {
		t.Errorf("Expected canceled, got %s", hold.Status)
	}
}

func TestCancelHold_ServerErrorIsTransient(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, `{"error":{"type":"api_error","message":"unavailable"}}`)
	})

	_, err := svc.CancelHold(context.Background(), "pi_1")
	if !payment.IsTransient(err) {
		t.Fatalf("Expected transient error, got %v", err)
	}
}
