package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"roundup-engine-go/internal/api"
	"roundup-engine-go/internal/handler"
	"roundup-engine-go/internal/models"
	"roundup-engine-go/internal/observability"
	"roundup-engine-go/internal/store"

	"go.uber.org/zap"
)

type fakeService struct {
	healthErr  error
	webhookErr error
	webhooks   []models.WebhookPayload
	reconcile  func(userId string) (*models.ReconciliationResult, error)
}

func (f *fakeService) HealthCheck(context.Context) error { return f.healthErr }

func (f *fakeService) HandleWebhook(_ context.Context, payload models.WebhookPayload) error {
	f.webhooks = append(f.webhooks, payload)
	return f.webhookErr
}

func (f *fakeService) ReconcileUser(_ context.Context, userId string) (*models.ReconciliationResult, error) {
	if f.reconcile != nil {
		return f.reconcile(userId)
	}
	return &models.ReconciliationResult{UserId: userId, Outcome: models.OutcomeNoPendingTransactions}, nil
}

func (f *fakeService) GetUserSummary(_ context.Context, userId string) (*models.UserSummary, error) {
	if userId == "missing" {
		return nil, fmt.Errorf("%w: user %s", store.ErrNotFound, userId)
	}
	return &models.UserSummary{User: models.User{Id: userId}}, nil
}

func serve(t *testing.T, svc *fakeService, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	router := handler.NewRouter(svc, observability.NewMetrics(), zap.NewNop())
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	if rec := serve(t, &fakeService{}, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec := serve(t, &fakeService{healthErr: errors.New("down")}, http.MethodGet, "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	rec := serve(t, &fakeService{}, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestWebhook(t *testing.T) {
	svc := &fakeService{}
	body := `{"webhook_type":"TRANSFER","webhook_code":"TRANSFER_COMPLETED","transfer_id":"tr_1"}`

	rec := serve(t, svc, http.MethodPost, "/webhooks/plaid", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(svc.webhooks) != 1 || svc.webhooks[0].TransferId != "tr_1" {
		t.Errorf("expected webhook for tr_1, got %+v", svc.webhooks)
	}
}

func TestWebhook_FailureAsksForRedelivery(t *testing.T) {
	svc := &fakeService{webhookErr: errors.New("database is locked")}
	body := `{"webhook_type":"TRANSFER","webhook_code":"TRANSFER_FAILED","transfer_id":"tr_1"}`

	if rec := serve(t, svc, http.MethodPost, "/webhooks/plaid", body); rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestWebhook_MissingTransferIdIsBadRequest(t *testing.T) {
	svc := &fakeService{webhookErr: fmt.Errorf("%w: TRANSFER/TRANSFER_COMPLETED webhook has no transfer_id", api.ErrInvalidRequest)}
	body := `{"webhook_type":"TRANSFER","webhook_code":"TRANSFER_COMPLETED"}`

	if rec := serve(t, svc, http.MethodPost, "/webhooks/plaid", body); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestWebhook_InvalidBody(t *testing.T) {
	if rec := serve(t, &fakeService{}, http.MethodPost, "/webhooks/plaid", "{not json"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestReconcileUser(t *testing.T) {
	rec := serve(t, &fakeService{}, http.MethodPost, "/v1/users/u1/reconcile", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var result models.ReconciliationResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if result.UserId != "u1" || result.Outcome != models.OutcomeNoPendingTransactions {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestReconcileUser_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: user_id is required", api.ErrInvalidRequest), http.StatusBadRequest},
		{fmt.Errorf("%w: user u9", store.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: locked", store.ErrUnavailable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		svc := &fakeService{reconcile: func(string) (*models.ReconciliationResult, error) { return nil, tt.err }}
		if rec := serve(t, svc, http.MethodPost, "/v1/users/u9/reconcile", ""); rec.Code != tt.want {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.want, rec.Code)
		}
	}
}

func TestUserSummary(t *testing.T) {
	if rec := serve(t, &fakeService{}, http.MethodGet, "/v1/users/u1/summary", ""); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec := serve(t, &fakeService{}, http.MethodGet, "/v1/users/missing/summary", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
