package loyalty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SERVICE - Collaborator-facing API
// =============================================================================
//
// The registration flow, the account page and the checkout flow talk to the
// Service. It resolves riders by email and delegates every write to the
// Ledger.

const (
	DefaultLeaderboardLimit    = 10
	DefaultMaxLeaderboardLimit = 100
	maxReferralCodeAttempts    = 8
)

// Discount validation reasons.
const (
	ReasonUnknownCode = "unknown_code"
	ReasonAlreadyUsed = "already_used"
	ReasonExpired     = "expired"
)

type ServiceOptions struct {
	ReferralCodes      CodeGenerator
	DefaultLimit       int
	MaxLimit           int
	AutoCreateAccounts bool
	Now                func() time.Time
	Logger             *slog.Logger
}

func DefaultServiceOptions() ServiceOptions {
	return ServiceOptions{
		ReferralCodes:      RandomCodes("REF-", 6),
		DefaultLimit:       DefaultLeaderboardLimit,
		MaxLimit:           DefaultMaxLeaderboardLimit,
		AutoCreateAccounts: true,
	}
}

type Service struct {
	store       Store
	ledger      *Ledger
	leaderboard *Leaderboard
	opts        ServiceOptions
}

func NewService(store Store, ledger *Ledger, leaderboard *Leaderboard, opts ServiceOptions) *Service {
	if opts.ReferralCodes == nil {
		opts.ReferralCodes = RandomCodes("REF-", 6)
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = DefaultLeaderboardLimit
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = DefaultMaxLeaderboardLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{store: store, ledger: ledger, leaderboard: leaderboard, opts: opts}
}

func (s *Service) Ledger() *Ledger           { return s.ledger }
func (s *Service) Leaderboard() *Leaderboard { return s.leaderboard }

// =============================================================================
// ACCOUNTS
// =============================================================================

type AccountInput struct {
	Email     string
	FirstName string
	LastName  string
}

// EnsureAccount returns the account for in.Email, creating it on first
// sight. created reports whether this call created it.
func (s *Service) EnsureAccount(ctx context.Context, in AccountInput) (acct Account, created bool, err error) {
	email, err := NormalizeEmail(in.Email)
	if err != nil {
		return Account{}, false, err
	}

	acct, err = s.store.GetAccountByEmail(ctx, email)
	if err == nil {
		return acct, false, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return Account{}, false, storageErr("get account by email", err)
	}

	for attempt := 0; attempt < maxReferralCodeAttempts; attempt++ {
		code, err := s.opts.ReferralCodes()
		if err != nil {
			return Account{}, false, fmt.Errorf("generate referral code: %w", err)
		}
		acct, err = s.store.CreateAccount(ctx, Account{
			ID:           AccountID(uuid.NewString()),
			Email:        email,
			FirstName:    strings.TrimSpace(in.FirstName),
			LastName:     strings.TrimSpace(in.LastName),
			ReferralCode: code,
			CreatedAt:    s.opts.Now().UTC(),
		})
		switch {
		case err == nil:
			s.opts.Logger.Info("loyalty account created", "account_id", acct.ID, "seq", acct.Seq)
			return acct, true, nil
		case errors.Is(err, ErrDuplicateEmail):
			// Lost a creation race for the same rider.
			acct, err = s.store.GetAccountByEmail(ctx, email)
			if err != nil {
				return Account{}, false, storageErr("get account by email", err)
			}
			return acct, false, nil
		case errors.Is(err, ErrDuplicateReferralCode):
			continue
		default:
			return Account{}, false, storageErr("create account", err)
		}
	}
	return Account{}, false, fmt.Errorf("%w: no unique referral code after %d attempts", ErrInvariantViolation, maxReferralCodeAttempts)
}

func (s *Service) accountByEmail(ctx context.Context, email string) (Account, error) {
	e, err := NormalizeEmail(email)
	if err != nil {
		return Account{}, err
	}
	acct, err := s.store.GetAccountByEmail(ctx, e)
	if err != nil {
		return Account{}, storageErr("get account by email", err)
	}
	return acct, nil
}

// =============================================================================
// REGISTRATION HOOKS
// =============================================================================

// Registration is a completed, paid clinic registration.
type Registration struct {
	Email          string
	FirstName      string
	LastName       string
	RegistrationID string
	Points         int64
}

// OnClinicRegistrationCompleted credits a registration. It is idempotent per
// registration id. Unknown riders are created when names are supplied and
// auto-creation is enabled.
func (s *Service) OnClinicRegistrationCompleted(ctx context.Context, reg Registration) (Result, error) {
	var (
		acct Account
		err  error
	)
	if s.opts.AutoCreateAccounts && strings.TrimSpace(reg.FirstName) != "" {
		acct, _, err = s.EnsureAccount(ctx, AccountInput{Email: reg.Email, FirstName: reg.FirstName, LastName: reg.LastName})
	} else {
		acct, err = s.accountByEmail(ctx, reg.Email)
	}
	if err != nil {
		return Result{}, err
	}
	return s.ledger.RecordClinicEntry(ctx, acct.ID, reg.RegistrationID, reg.Points)
}

// OnNewAccountFirstEntry redeems the referral code a new rider signed up
// with. An empty code is a no-op.
func (s *Service) OnNewAccountFirstEntry(ctx context.Context, email, referralCodeUsed string) (Result, error) {
	if strings.TrimSpace(referralCodeUsed) == "" {
		return Result{}, nil
	}
	acct, err := s.accountByEmail(ctx, email)
	if err != nil {
		return Result{}, err
	}
	res, err := s.ledger.RedeemReferral(ctx, referralCodeUsed, acct.ID)
	if err != nil {
		return Result{}, err
	}
	if res.Applied {
		s.opts.Logger.Info("referral bonus granted", "referrer_id", res.Account.ID, "referred_id", acct.ID)
	}
	return res, nil
}

// =============================================================================
// ACCOUNT STATUS
// =============================================================================

type AccountStatus struct {
	Account             Account
	LifetimePoints      int64
	CurrentPeriodPoints int64
	Period              Period
	Tier                Tier
	ClinicEntries       int
	EntriesToNextTier   int
	PointsToNextReward  int64
	ReferralCode        string
	Discounts           []DiscountCode
}

func (s *Service) GetAccountStatus(ctx context.Context, email string) (AccountStatus, error) {
	acct, err := s.accountByEmail(ctx, email)
	if err != nil {
		return AccountStatus{}, err
	}
	return s.status(ctx, acct)
}

func (s *Service) GetAccountStatusByID(ctx context.Context, id AccountID) (AccountStatus, error) {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return AccountStatus{}, storageErr("get account", err)
	}
	return s.status(ctx, acct)
}

func (s *Service) status(ctx context.Context, acct Account) (AccountStatus, error) {
	bal, err := s.ledger.Log().Project(ctx, acct.ID)
	if err != nil {
		return AccountStatus{}, err
	}
	codes, err := s.store.ListDiscountCodes(ctx, acct.ID)
	if err != nil {
		return AccountStatus{}, storageErr("list discount codes", err)
	}
	now := s.opts.Now()
	available := make([]DiscountCode, 0, len(codes))
	for _, d := range codes {
		if d.UsableAt(now) {
			available = append(available, d)
		}
	}

	return AccountStatus{
		Account:             acct,
		LifetimePoints:      bal.LifetimePoints,
		CurrentPeriodPoints: bal.CurrentPeriodPoints,
		Period:              s.ledger.Log().CurrentPeriod(),
		Tier:                TierFor(bal.ClinicEntries),
		ClinicEntries:       bal.ClinicEntries,
		EntriesToNextTier:   EntriesToNext(bal.ClinicEntries),
		PointsToNextReward:  pointsToNext(bal.LifetimePoints, s.ledger.pointsInterval()),
		ReferralCode:        acct.ReferralCode,
		Discounts:           available,
	}, nil
}

// pointsToNext returns the points missing to the next multiple of interval,
// or 0 when no points rule is configured.
func pointsToNext(points, interval int64) int64 {
	if interval <= 0 {
		return 0
	}
	if points < 0 {
		return interval - points
	}
	return interval - points%interval
}

// Transactions returns an account's full history.
func (s *Service) Transactions(ctx context.Context, id AccountID) ([]Transaction, error) {
	if _, err := s.store.GetAccount(ctx, id); err != nil {
		return nil, storageErr("get account", err)
	}
	return s.ledger.Log().Transactions(ctx, id)
}

// =============================================================================
// LEADERBOARD
// =============================================================================

// GetLeaderboard clamps limit to [1, MaxLimit]; zero or negative means the
// default limit.
func (s *Service) GetLeaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, Period, error) {
	if limit <= 0 {
		limit = s.opts.DefaultLimit
	}
	if limit > s.opts.MaxLimit {
		limit = s.opts.MaxLimit
	}
	return s.leaderboard.TopN(ctx, limit)
}

// =============================================================================
// DISCOUNTS
// =============================================================================

type DiscountValidation struct {
	Valid      bool
	Code       string
	Percentage decimal.Decimal
	ExpiresAt  time.Time
	Reason     string
}

// ValidateDiscountCode checks a code at checkout without consuming it.
func (s *Service) ValidateDiscountCode(ctx context.Context, code string) (DiscountValidation, error) {
	code = NormalizeCode(code)
	if code == "" {
		return DiscountValidation{Reason: ReasonUnknownCode}, nil
	}
	d, err := s.store.GetDiscountCode(ctx, code)
	if errors.Is(err, ErrUnknownDiscountCode) {
		return DiscountValidation{Code: code, Reason: ReasonUnknownCode}, nil
	}
	if err != nil {
		return DiscountValidation{}, storageErr("get discount code", err)
	}

	v := DiscountValidation{Code: d.Code, Percentage: d.Percentage, ExpiresAt: d.ExpiresAt}
	switch {
	case d.Used:
		v.Reason = ReasonAlreadyUsed
	case d.ExpiredAt(s.opts.Now()):
		v.Reason = ReasonExpired
	default:
		v.Valid = true
	}
	return v, nil
}

// RedeemDiscountCode consumes a code. Only the first call succeeds.
func (s *Service) RedeemDiscountCode(ctx context.Context, code string) (DiscountCode, error) {
	return s.ledger.RedeemDiscountCode(ctx, code)
}

// ReasonFor maps a redemption error to a validation reason, or "".
func ReasonFor(err error) string {
	switch {
	case errors.Is(err, ErrUnknownDiscountCode):
		return ReasonUnknownCode
	case errors.Is(err, ErrDiscountAlreadyUsed):
		return ReasonAlreadyUsed
	case errors.Is(err, ErrDiscountExpired):
		return ReasonExpired
	}
	return ""
}
