/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"roundup-engine-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

const (
	pathAuthorizationCreate = "/transfer/authorization/create"
	pathTransferCreate      = "/transfer/create"
	pathTransferGet         = "/transfer/get"
)

// Client is an HTTP client for a Plaid-style transfer API.
type Client struct {
	httpClient http.Client
	baseUrl    string
	clientId   string
	secret     string
	achClass   string
}

func NewClient(cfg models.RailConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("rail base url is required")
	}

	httpClient, err := createCustomHttpClient(cfg.HTTPTimeout)
	if err != nil {
		return nil, fmt.Errorf("unable to create custom http client: %w", err)
	}

	return &Client{
		httpClient: httpClient,
		baseUrl:    strings.TrimRight(cfg.BaseURL, "/"),
		clientId:   cfg.ClientId,
		secret:     cfg.Secret,
		achClass:   cfg.AchClass,
	}, nil
}

func createCustomHttpClient(timeout time.Duration) (http.Client, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	tr := &http.Transport{
		ResponseHeaderTimeout: 30 * time.Second,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
			Timeout:   15 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConnsPerHost:   5,
		ExpectContinueTimeout: 5 * time.Second,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return http.Client{}, err
	}

	return http.Client{
		Transport: tr,
		Timeout:   timeout,
	}, nil
}

type authorizationCreateRequest struct {
	ClientId    string `json:"client_id"`
	Secret      string `json:"secret"`
	AccessToken string `json:"access_token"`
	AccountId   string `json:"account_id"`
	Type        string `json:"type"`
	Network     string `json:"network"`
	Amount      string `json:"amount"`
	AchClass    string `json:"ach_class,omitempty"`
	User        struct {
		LegalName string `json:"legal_name"`
	} `json:"user"`
}

type authorizationCreateResponse struct {
	Authorization struct {
		Id                string `json:"id"`
		Decision          string `json:"decision"`
		DecisionRationale *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"decision_rationale"`
		ProposedTransfer *struct {
			Amount string `json:"amount"`
		} `json:"proposed_transfer"`
	} `json:"authorization"`
	RequestId string `json:"request_id"`
}

type transferCreateRequest struct {
	ClientId        string `json:"client_id"`
	Secret          string `json:"secret"`
	AccessToken     string `json:"access_token"`
	AccountId       string `json:"account_id"`
	AuthorizationId string `json:"authorization_id"`
	Amount          string `json:"amount"`
	Description     string `json:"description"`
	IdempotencyKey  string `json:"idempotency_key"`
}

type transferGetRequest struct {
	ClientId   string `json:"client_id"`
	Secret     string `json:"secret"`
	TransferId string `json:"transfer_id"`
}

type railTransfer struct {
	Id              string `json:"id"`
	AuthorizationId string `json:"authorization_id"`
	AccountId       string `json:"account_id"`
	Amount          string `json:"amount"`
	Status          string `json:"status"`
}

type transferResponse struct {
	Transfer  railTransfer `json:"transfer"`
	RequestId string       `json:"request_id"`
}

type errorResponse struct {
	ErrorType    string `json:"error_type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

func (c *Client) AuthorizeTransfer(ctx context.Context, params AuthorizeTransferParams) (*models.TransferAuthorization, error) {
	request := authorizationCreateRequest{
		ClientId:    c.clientId,
		Secret:      c.secret,
		AccessToken: params.Account.AccessToken,
		AccountId:   params.Account.AccountId,
		Type:        params.Type,
		Network:     params.Network,
		Amount:      params.Amount.StringFixed(models.MoneyPlaces),
		AchClass:    c.achClass,
	}
	request.User.LegalName = params.Account.Name

	var response authorizationCreateResponse
	if err := c.post(ctx, pathAuthorizationCreate, request, &response); err != nil {
		return nil, fmt.Errorf("unable to authorize transfer: %w", err)
	}

	// Amount stays zero when the rail does not echo the proposed transfer.
	auth := &models.TransferAuthorization{
		Id:       response.Authorization.Id,
		Decision: response.Authorization.Decision,
	}
	if p := response.Authorization.ProposedTransfer; p != nil && p.Amount != "" {
		amount, err := decimal.NewFromString(p.Amount)
		if err != nil {
			return nil, fmt.Errorf("invalid authorized amount %q: %w", p.Amount, err)
		}
		auth.Amount = amount
	}
	if r := response.Authorization.DecisionRationale; r != nil {
		auth.Rationale = r.Code
		if r.Description != "" {
			auth.Rationale = r.Code + ": " + r.Description
		}
	}

	zap.L().Debug("Transfer authorization received",
		zap.String("authorization_id", auth.Id),
		zap.String("decision", auth.Decision),
		zap.String("account_id", params.Account.AccountId),
		zap.String("amount", request.Amount),
		zap.String("request_id", response.RequestId))

	return auth, nil
}

func (c *Client) CreateTransfer(ctx context.Context, params CreateTransferParams) (*models.RailTransfer, error) {
	request := transferCreateRequest{
		ClientId:        c.clientId,
		Secret:          c.secret,
		AccessToken:     params.Account.AccessToken,
		AccountId:       params.Account.AccountId,
		AuthorizationId: params.AuthorizationId,
		Amount:          params.Amount.StringFixed(models.MoneyPlaces),
		Description:     params.Description,
		IdempotencyKey:  params.IdempotencyKey,
	}

	var response transferResponse
	if err := c.post(ctx, pathTransferCreate, request, &response); err != nil {
		return nil, fmt.Errorf("unable to create transfer: %w", err)
	}

	transfer, err := toRailTransfer(response.Transfer)
	if err != nil {
		return nil, err
	}

	zap.L().Info("Rail transfer created",
		zap.String("transfer_id", transfer.Id),
		zap.String("authorization_id", transfer.AuthorizationId),
		zap.String("amount", transfer.Amount.StringFixed(models.MoneyPlaces)),
		zap.String("idempotency_key", params.IdempotencyKey))

	return transfer, nil
}

func (c *Client) GetTransfer(ctx context.Context, transferId string) (*models.RailTransfer, error) {
	request := transferGetRequest{
		ClientId:   c.clientId,
		Secret:     c.secret,
		TransferId: transferId,
	}

	var response transferResponse
	if err := c.post(ctx, pathTransferGet, request, &response); err != nil {
		return nil, fmt.Errorf("unable to get transfer %s: %w", transferId, err)
	}

	return toRailTransfer(response.Transfer)
}

func toRailTransfer(t railTransfer) (*models.RailTransfer, error) {
	amount := decimal.Zero
	if t.Amount != "" {
		var err error
		if amount, err = decimal.NewFromString(t.Amount); err != nil {
			return nil, fmt.Errorf("invalid transfer amount %q: %w", t.Amount, err)
		}
	}

	return &models.RailTransfer{
		Id:              t.Id,
		AuthorizationId: t.AuthorizationId,
		AccountId:       t.AccountId,
		Amount:          amount,
		Status:          t.Status,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("unable to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseUrl+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("unable to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %v", ErrTransient, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading %s response: %v", ErrTransient, path, err)
	}

	if resp.StatusCode >= 300 {
		var apiErr errorResponse
		_ = json.Unmarshal(data, &apiErr)

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %s returned %d %s", ErrTransient, path, resp.StatusCode, apiErr.ErrorCode)
		}
		return &RailError{
			StatusCode: resp.StatusCode,
			Type:       apiErr.ErrorType,
			Code:       apiErr.ErrorCode,
			Message:    apiErr.ErrorMessage,
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unable to decode %s response: %w", path, err)
	}
	return nil
}
