package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"roundup-engine-go/internal/models"

	"github.com/shopspring/decimal"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(models.RailConfig{
		BaseURL:     server.URL,
		ClientId:    "client",
		Secret:      "secret",
		AchClass:    "ppd",
		HTTPTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

var testAccount = models.LinkedAccount{
	AccountId:   "acct_src",
	AccessToken: "access-sandbox-1",
	Name:        "Checking",
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	if _, err := NewClient(models.RailConfig{}); err == nil {
		t.Fatal("Expected error for empty base url")
	}
}

func TestAuthorizeTransfer(t *testing.T) {
	tests := []struct {
		name          string
		response      string
		wantDecision  string
		wantRationale string
		wantAmount    string
	}{
		{
			name:         "approved",
			response:     `{"authorization":{"id":"auth_1","decision":"approved"},"request_id":"r1"}`,
			wantDecision: models.DecisionApproved,
			wantAmount:   "0",
		},
		{
			name:         "approved with proposed transfer",
			response:     `{"authorization":{"id":"auth_3","decision":"approved","proposed_transfer":{"amount":"1.25"}}}`,
			wantDecision: models.DecisionApproved,
			wantAmount:   "1.25",
		},
		{
			name:          "declined",
			response:      `{"authorization":{"id":"auth_2","decision":"declined","decision_rationale":{"code":"NSF","description":"insufficient funds"}}}`,
			wantDecision:  models.DecisionDeclined,
			wantRationale: "NSF: insufficient funds",
			wantAmount:    "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got authorizationCreateRequest
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != pathAuthorizationCreate {
					t.Errorf("Unexpected path %s", r.URL.Path)
				}
				if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
					t.Errorf("Bad request body: %v", err)
				}
				_, _ = w.Write([]byte(tt.response))
			})

			auth, err := client.AuthorizeTransfer(context.Background(), AuthorizeTransferParams{
				Account: testAccount,
				Amount:  decimal.RequireFromString("1.5"),
				Type:    "debit",
				Network: "ach",
			})
			if err != nil {
				t.Fatalf("AuthorizeTransfer failed: %v", err)
			}

			if auth.Decision != tt.wantDecision {
				t.Errorf("Expected decision %s, got %s", tt.wantDecision, auth.Decision)
			}
			if auth.Rationale != tt.wantRationale {
				t.Errorf("Expected rationale %q, got %q", tt.wantRationale, auth.Rationale)
			}
			if !auth.Amount.Equal(decimal.RequireFromString(tt.wantAmount)) {
				t.Errorf("Expected authorized amount %s, got %s", tt.wantAmount, auth.Amount.String())
			}
			if got.Amount != "1.50" {
				t.Errorf("Expected amount 1.50 on the wire, got %s", got.Amount)
			}
			if got.ClientId != "client" || got.Secret != "secret" || got.AccessToken != "access-sandbox-1" {
				t.Errorf("Credentials not sent: %+v", got)
			}
		})
	}
}

func TestCreateTransfer_SendsIdempotencyKey(t *testing.T) {
	var got transferCreateRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"transfer":{"id":"tr_1","authorization_id":"auth_1","account_id":"acct_src","amount":"1.15","status":"pending"}}`))
	})

	transfer, err := client.CreateTransfer(context.Background(), CreateTransferParams{
		Account:         testAccount,
		AuthorizationId: "auth_1",
		Amount:          decimal.RequireFromString("1.15"),
		Description:     "Roundup",
		IdempotencyKey:  "ru_abc_0",
	})
	if err != nil {
		t.Fatalf("CreateTransfer failed: %v", err)
	}

	if got.IdempotencyKey != "ru_abc_0" {
		t.Errorf("Expected idempotency key ru_abc_0, got %q", got.IdempotencyKey)
	}
	if transfer.Id != "tr_1" || !transfer.Amount.Equal(decimal.RequireFromString("1.15")) {
		t.Errorf("Unexpected transfer %+v", transfer)
	}
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantTransient bool
	}{
		{"server error", http.StatusInternalServerError, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"bad request", http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error_type":"TRANSFER_ERROR","error_code":"INVALID_FIELD","error_message":"bad"}`))
			})

			_, err := client.GetTransfer(context.Background(), "tr_1")
			if err == nil {
				t.Fatal("Expected error")
			}
			if IsTransient(err) != tt.wantTransient {
				t.Errorf("Expected transient=%v, got %v (%v)", tt.wantTransient, IsTransient(err), err)
			}

			var railErr *RailError
			if !tt.wantTransient {
				if !errors.As(err, &railErr) {
					t.Fatalf("Expected RailError, got %T", err)
				}
				if railErr.Code != "INVALID_FIELD" {
					t.Errorf("Expected code INVALID_FIELD, got %s", railErr.Code)
				}
			}
		})
	}
}

func TestClient_NetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	client, err := NewClient(models.RailConfig{BaseURL: url, HTTPTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if _, err := client.GetTransfer(context.Background(), "tr_1"); !IsTransient(err) {
		t.Fatalf("Expected transient error, got %v", err)
	}
}
