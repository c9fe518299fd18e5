/*
dto.go - Data Transfer Objects for the HTTP API

PURPOSE:
  Defines the JSON request/response shapes exposed over HTTP. DTOs keep the
  wire format independent of the loyalty package's domain types.

DESIGN:
  - Request DTOs: parsed from the request body
  - Response DTOs: serialized to the response body
  - Conversion helpers: toXxxDTO(domain) at the bottom of the file

PRIVACY:
  Leaderboard rows never carry an account id, email or full last name.

SEE ALSO:
  - handlers.go: HTTP handlers using these DTOs
  - loyalty/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/DBTheEasyButton/Template-Riding-Coach-Website-sub002/loyalty"
)

// =============================================================================
// REQUEST DTOs
// =============================================================================

type CreateAccountRequest struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// RegistrationCompletedRequest is sent by the registration flow once a
// clinic registration is paid.
type RegistrationCompletedRequest struct {
	Email          string `json:"email"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	RegistrationID string `json:"registration_id"`
	Points         int64  `json:"points"`
	ReferralCode   string `json:"referral_code,omitempty"`
}

type RedeemReferralRequest struct {
	Email        string `json:"email"`
	ReferralCode string `json:"referral_code"`
}

type AdjustmentRequest struct {
	AccountID   string `json:"account_id"`
	Delta       int64  `json:"delta"`
	Reason      string `json:"reason"`
	ReferenceID string `json:"reference_id,omitempty"`
}

// =============================================================================
// RESPONSE DTOs
// =============================================================================

type AccountDTO struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	ReferralCode string    `json:"referral_code"`
	CreatedAt    time.Time `json:"created_at"`
}

type BalancesDTO struct {
	LifetimePoints      int64  `json:"lifetime_points"`
	CurrentPeriodPoints int64  `json:"current_period_points"`
	ClinicEntries       int    `json:"clinic_entries"`
	Tier                string `json:"tier"`
}

type DiscountDTO struct {
	Code       string          `json:"code"`
	Percentage decimal.Decimal `json:"percentage"`
	Threshold  int64           `json:"threshold"`
	RuleID     string          `json:"rule_id"`
	IssuedAt   time.Time       `json:"issued_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
	Used       bool            `json:"used"`
	UsedAt     *time.Time      `json:"used_at,omitempty"`
}

type AccountStatusDTO struct {
	Account            AccountDTO    `json:"account"`
	Balances           BalancesDTO   `json:"balances"`
	Period             PeriodDTO     `json:"period"`
	EntriesToNextTier  int           `json:"entries_to_next_tier"`
	PointsToNextReward int64         `json:"points_to_next_reward"`
	ReferralCode       string        `json:"referral_code"`
	Discounts          []DiscountDTO `json:"discounts"`
}

type TransactionDTO struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Delta       int64     `json:"delta"`
	ReferenceID string    `json:"reference_id"`
	Reason      string    `json:"reason,omitempty"`
	PeriodID    string    `json:"period_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// LedgerResultDTO is returned by every write endpoint.
type LedgerResultDTO struct {
	AccountID   string          `json:"account_id"`
	Applied     bool            `json:"applied"`
	Balances    BalancesDTO     `json:"balances"`
	Transaction *TransactionDTO `json:"transaction,omitempty"`
	Issued      []DiscountDTO   `json:"issued"`
}

type RegistrationResultDTO struct {
	LedgerResultDTO
	Referral *ReferralResultDTO `json:"referral,omitempty"`
}

type ReferralResultDTO struct {
	Granted bool   `json:"granted"`
	Error   string `json:"error,omitempty"`
}

type PeriodDTO struct {
	ID    string `json:"id"`
	Start string `json:"start"`
	End   string `json:"end"`
}

type LeaderboardDTO struct {
	Period  PeriodDTO                  `json:"period"`
	Entries []loyalty.LeaderboardEntry `json:"entries"`
}

type DiscountValidationDTO struct {
	Valid      bool             `json:"valid"`
	Code       string           `json:"code,omitempty"`
	Percentage *decimal.Decimal `json:"percentage,omitempty"`
	ExpiresAt  *time.Time       `json:"expires_at,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toAccountDTO(a loyalty.Account) AccountDTO {
	return AccountDTO{
		ID:           string(a.ID),
		Email:        a.Email,
		FirstName:    a.FirstName,
		LastName:     a.LastName,
		ReferralCode: a.ReferralCode,
		CreatedAt:    a.CreatedAt,
	}
}

func toBalancesDTO(b loyalty.AccountBalances) BalancesDTO {
	return BalancesDTO{
		LifetimePoints:      b.LifetimePoints,
		CurrentPeriodPoints: b.CurrentPeriodPoints,
		ClinicEntries:       b.ClinicEntries,
		Tier:                loyalty.TierFor(b.ClinicEntries).String(),
	}
}

func toDiscountDTO(d loyalty.DiscountCode) DiscountDTO {
	return DiscountDTO{
		Code:       d.Code,
		Percentage: d.Percentage,
		Threshold:  d.Threshold,
		RuleID:     d.RuleID,
		IssuedAt:   d.IssuedAt,
		ExpiresAt:  d.ExpiresAt,
		Used:       d.Used,
		UsedAt:     d.UsedAt,
	}
}

func toDiscountDTOs(ds []loyalty.DiscountCode) []DiscountDTO {
	out := make([]DiscountDTO, len(ds))
	for i, d := range ds {
		out[i] = toDiscountDTO(d)
	}
	return out
}

func toTransactionDTO(tx loyalty.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:          string(tx.ID),
		Kind:        string(tx.Kind),
		Delta:       tx.Delta,
		ReferenceID: tx.ReferenceID,
		Reason:      tx.Reason,
		PeriodID:    string(tx.PeriodID),
		CreatedAt:   tx.CreatedAt,
	}
}

func toPeriodDTO(p loyalty.Period) PeriodDTO {
	return PeriodDTO{
		ID:    string(p.ID),
		Start: p.Start.Format("2006-01-02"),
		End:   p.End.Format("2006-01-02"),
	}
}

func toLedgerResultDTO(res loyalty.Result) LedgerResultDTO {
	dto := LedgerResultDTO{
		AccountID: string(res.Account.ID),
		Applied:   res.Applied,
		Balances:  toBalancesDTO(res.Balances),
		Issued:    toDiscountDTOs(res.Issued),
	}
	if res.Transaction != nil {
		tx := toTransactionDTO(*res.Transaction)
		dto.Transaction = &tx
	}
	return dto
}

func toAccountStatusDTO(s loyalty.AccountStatus) AccountStatusDTO {
	return AccountStatusDTO{
		Account: toAccountDTO(s.Account),
		Balances: toBalancesDTO(loyalty.AccountBalances{
			LifetimePoints:      s.LifetimePoints,
			CurrentPeriodPoints: s.CurrentPeriodPoints,
			ClinicEntries:       s.ClinicEntries,
		}),
		Period:             toPeriodDTO(s.Period),
		EntriesToNextTier:  s.EntriesToNextTier,
		PointsToNextReward: s.PointsToNextReward,
		ReferralCode:       s.ReferralCode,
		Discounts:          toDiscountDTOs(s.Discounts),
	}
}

func toDiscountValidationDTO(v loyalty.DiscountValidation) DiscountValidationDTO {
	dto := DiscountValidationDTO{Valid: v.Valid, Code: v.Code, Reason: v.Reason}
	if v.Reason != loyalty.ReasonUnknownCode {
		pct := v.Percentage
		expires := v.ExpiresAt
		dto.Percentage = &pct
		dto.ExpiresAt = &expires
	}
	return dto
}
