package common

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"roundup-engine-go/internal/models"
	"roundup-engine-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

type SeedAccount struct {
	AccountId   string `yaml:"account_id"`
	AccessToken string `yaml:"access_token"`
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Subtype     string `yaml:"subtype"`
	Mask        string `yaml:"mask"`
	Purpose     string `yaml:"purpose"`
}

type SeedTransaction struct {
	Id        string `yaml:"id"`
	AccountId string `yaml:"account_id"`
	Name      string `yaml:"name"`
	Amount    string `yaml:"amount"`
	HoldId    string `yaml:"hold_id"`
	CreatedAt string `yaml:"created_at"` // RFC 3339, now when empty
}

type SeedUser struct {
	Id           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	Email        string            `yaml:"email"`
	MonthlyFee   string            `yaml:"monthly_fee"`
	Accounts     []SeedAccount     `yaml:"accounts"`
	Transactions []SeedTransaction `yaml:"transactions"`
}

type SeedConfig struct {
	Users []SeedUser `yaml:"users"`
}

// SeedReport counts what ApplySeed wrote.
type SeedReport struct {
	Users         int
	Accounts      int
	Subscriptions int
	Transactions  int
	Duplicates    int
}

// LoadSeedConfig reads and validates an accounts file. Relative paths are
// resolved against the working directory.
func LoadSeedConfig(seedFile string) (*SeedConfig, error) {
	seedPath := seedFile
	if !filepath.IsAbs(seedFile) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		seedPath = filepath.Join(wd, seedFile)
	}

	data, err := os.ReadFile(seedPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", seedFile, err)
	}

	var config SeedConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", seedFile, err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", seedFile, err)
	}
	return &config, nil
}

func (c *SeedConfig) validate() error {
	for i, u := range c.Users {
		if u.Id == "" {
			return fmt.Errorf("user at index %d missing id", i)
		}
		if u.MonthlyFee != "" {
			if _, err := decimal.NewFromString(u.MonthlyFee); err != nil {
				return fmt.Errorf("user %s has invalid monthly_fee %q", u.Id, u.MonthlyFee)
			}
		}

		linked := make(map[string]bool, len(u.Accounts))
		destinations := 0
		for j, a := range u.Accounts {
			if a.AccountId == "" {
				return fmt.Errorf("user %s account at index %d missing account_id", u.Id, j)
			}
			switch a.Purpose {
			case models.AccountPurposeSource:
			case models.AccountPurposeDestination:
				destinations++
			default:
				return fmt.Errorf("user %s account %s has invalid purpose %q", u.Id, a.AccountId, a.Purpose)
			}
			linked[a.AccountId] = true
		}
		if destinations > 1 {
			return fmt.Errorf("user %s has %d destination accounts", u.Id, destinations)
		}

		for j, t := range u.Transactions {
			if !linked[t.AccountId] {
				return fmt.Errorf("user %s transaction at index %d references unlinked account %q", u.Id, j, t.AccountId)
			}
			if _, err := decimal.NewFromString(t.Amount); err != nil {
				return fmt.Errorf("user %s transaction at index %d has invalid amount %q", u.Id, j, t.Amount)
			}
			if t.CreatedAt != "" {
				if _, err := time.Parse(time.RFC3339, t.CreatedAt); err != nil {
					return fmt.Errorf("user %s transaction at index %d has invalid created_at %q", u.Id, j, t.CreatedAt)
				}
			}
		}
	}
	return nil
}

// ApplySeed writes users, linked accounts, subscriptions and transactions.
// It can be rerun: existing users and subscriptions are kept and
// transactions already ingested are counted as duplicates.
func ApplySeed(ctx context.Context, db store.LedgerStore, config *SeedConfig, defaultFee decimal.Decimal, now time.Time) (SeedReport, error) {
	var report SeedReport

	for _, u := range config.Users {
		if _, err := db.CreateUser(ctx, u.Id, u.Name, u.Email); err != nil {
			return report, fmt.Errorf("failed to create user %s: %w", u.Id, err)
		}
		report.Users++

		for _, a := range u.Accounts {
			_, err := db.UpsertLinkedAccount(ctx, models.LinkedAccount{
				UserId:      u.Id,
				AccountId:   a.AccountId,
				AccessToken: a.AccessToken,
				Name:        a.Name,
				Type:        a.Type,
				Subtype:     a.Subtype,
				Mask:        a.Mask,
				Purpose:     a.Purpose,
			})
			if err != nil {
				return report, fmt.Errorf("failed to link account %s for %s: %w", a.AccountId, u.Id, err)
			}
			report.Accounts++
		}

		fee := defaultFee
		if u.MonthlyFee != "" {
			fee = decimal.RequireFromString(u.MonthlyFee)
		}
		if _, err := db.InitializeSubscription(ctx, u.Id, fee, now); err != nil {
			return report, fmt.Errorf("failed to initialize subscription for %s: %w", u.Id, err)
		}
		report.Subscriptions++

		for _, t := range u.Transactions {
			createdAt := now
			if t.CreatedAt != "" {
				createdAt, _ = time.Parse(time.RFC3339, t.CreatedAt)
			}
			_, err := db.IngestTransaction(ctx, store.IngestTransactionParams{
				Id:        t.Id,
				UserId:    u.Id,
				AccountId: t.AccountId,
				Name:      t.Name,
				Amount:    decimal.RequireFromString(t.Amount),
				HoldId:    t.HoldId,
				CreatedAt: createdAt,
			})
			if errors.Is(err, store.ErrDuplicateTransaction) {
				report.Duplicates++
				continue
			}
			if err != nil {
				return report, fmt.Errorf("failed to ingest transaction for %s: %w", u.Id, err)
			}
			report.Transactions++
		}
	}

	zap.L().Info("Seed applied",
		zap.Int("users", report.Users),
		zap.Int("accounts", report.Accounts),
		zap.Int("transactions", report.Transactions),
		zap.Int("duplicates", report.Duplicates))
	return report, nil
}
