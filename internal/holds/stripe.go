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

// Package holds implements payment.HoldService over Stripe payment intents
// created with manual capture.
package holds

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"roundup-engine-go/internal/models"
	"roundup-engine-go/internal/payment"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"
)

// MetadataAccountId is the payment intent metadata key naming the source account
const MetadataAccountId = "account_id"

type Service struct {
	api *client.API
}

var _ payment.HoldService = (*Service)(nil)

// NewService returns a hold service for the given secret key. A nil backends
// uses the default Stripe endpoints.
func NewService(secretKey string, backends *stripe.Backends) (*Service, error) {
	if secretKey == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}

	api := &client.API{}
	api.Init(secretKey, backends)
	return &Service{api: api}, nil
}

func (s *Service) GetHold(ctx context.Context, holdId string) (*models.Hold, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := s.api.PaymentIntents.Get(holdId, params)
	if err != nil {
		return nil, classify(holdId, err)
	}
	return toHold(pi), nil
}

// CancelHold voids the hold. A hold that is already terminal is returned as
// is rather than reported as an error.
func (s *Service) CancelHold(ctx context.Context, holdId string) (*models.Hold, error) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx

	pi, err := s.api.PaymentIntents.Cancel(holdId, params)
	if err == nil {
		zap.L().Debug("Hold cancelled", zap.String("hold_id", holdId))
		return toHold(pi), nil
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodePaymentIntentUnexpectedState {
		hold, getErr := s.GetHold(ctx, holdId)
		if getErr != nil {
			return nil, getErr
		}
		if hold.IsTerminal() {
			return hold, nil
		}
	}
	return nil, classify(holdId, err)
}

func toHold(pi *stripe.PaymentIntent) *models.Hold {
	hold := &models.Hold{
		Id:     pi.ID,
		Status: string(pi.Status),
		Amount: decimal.New(pi.Amount, -models.MoneyPlaces),
	}
	if pi.Metadata != nil {
		hold.AccountId = pi.Metadata[MetadataAccountId]
	}
	return hold
}

func classify(holdId string, err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return fmt.Errorf("%w: hold %s: %v", payment.ErrTransient, holdId, err)
	}

	switch {
	case stripeErr.Code == stripe.ErrorCodeResourceMissing:
		return fmt.Errorf("%w: %s", payment.ErrHoldNotFound, holdId)
	case stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
		stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.Type == stripe.ErrorTypeAPI:
		return fmt.Errorf("%w: hold %s: %s", payment.ErrTransient, holdId, stripeErr.Msg)
	}
	return fmt.Errorf("hold %s: %w", holdId, err)
}
