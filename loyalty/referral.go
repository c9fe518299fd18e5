/*
referral.go - One-time referral bonus

RULES:
  - The referral code must belong to an existing account (the referrer).
  - The referred account must exist and differ from the referrer.
  - By default the referred account must have completed its first clinic
    entry: the bonus is tied to a paying action, not to sign-up.
  - A referred account with more than one clinic entry is no longer new and
    cannot be referred. Retries of the first entry keep the count at one.
  - A referred account produces at most one ReferralRedemption, ever.
  - The referrer receives one referral_bonus transaction whose reference id
    is the referred account id, so the transaction log's own idempotency
    key also blocks a second bonus.

FIRST WRITER WINS:
  The redemption row is inserted without a prior existence check. When the
  insert reports a duplicate for the same referrer, the bonus append is
  attempted anyway. That append is idempotent, and it repairs a redemption
  whose bonus was lost to a transient failure on an earlier attempt.
*/
package loyalty

import (
	"context"
	"errors"
	"time"
)

const DefaultReferralBonus = 20

type ReferralRedeemer struct {
	accounts          AccountStore
	referrals         ReferralStore
	log               *TransactionLog
	bonus             int64
	requireFirstEntry bool
	now               func() time.Time
}

func NewReferralRedeemer(accounts AccountStore, referrals ReferralStore, log *TransactionLog, bonus int64, requireFirstEntry bool, now func() time.Time) *ReferralRedeemer {
	if now == nil {
		now = time.Now
	}
	return &ReferralRedeemer{
		accounts:          accounts,
		referrals:         referrals,
		log:               log,
		bonus:             bonus,
		requireFirstEntry: requireFirstEntry,
		now:               now,
	}
}

// Resolve validates the request and returns the referrer and referred
// accounts. It writes nothing.
func (r *ReferralRedeemer) Resolve(ctx context.Context, code string, referredID AccountID) (referrer, referred Account, err error) {
	if referredID == "" {
		return Account{}, Account{}, ErrInvalidAccountID
	}
	code = NormalizeCode(code)
	if code == "" {
		return Account{}, Account{}, ErrUnknownReferralCode
	}

	referrer, err = r.accounts.GetAccountByReferralCode(ctx, code)
	if err != nil {
		return Account{}, Account{}, storageErr("resolve referral code", err)
	}
	referred, err = r.accounts.GetAccount(ctx, referredID)
	if err != nil {
		return Account{}, Account{}, storageErr("load referred account", err)
	}
	if referrer.ID == referred.ID {
		return Account{}, Account{}, ErrSelfReferral
	}
	return referrer, referred, nil
}

// Redeem records the redemption and appends the bonus to the referrer. The
// caller must hold the referrer's lock. granted is true only for the call
// that actually appended the bonus. The returned redemption is the stored
// one.
func (r *ReferralRedeemer) Redeem(ctx context.Context, referrer, referred Account) (tx Transaction, redemption ReferralRedemption, granted bool, err error) {
	bal, err := r.log.Project(ctx, referred.ID)
	if err != nil {
		return Transaction{}, ReferralRedemption{}, false, err
	}
	if bal.ClinicEntries > 1 || (r.requireFirstEntry && bal.ClinicEntries == 0) {
		return Transaction{}, ReferralRedemption{}, false, ErrReferralNotEligible
	}

	redemption = ReferralRedemption{
		ReferrerID: referrer.ID,
		ReferredID: referred.ID,
		CreatedAt:  r.now().UTC(),
	}
	err = r.referrals.InsertReferralRedemption(ctx, redemption)
	if errors.Is(err, ErrDuplicateReferral) {
		existing, found, getErr := r.referrals.GetReferralRedemption(ctx, referred.ID)
		if getErr != nil {
			return Transaction{}, ReferralRedemption{}, false, storageErr("load referral redemption", getErr)
		}
		if !found || existing.ReferrerID != referrer.ID {
			// Another referrer got there first.
			return Transaction{}, existing, false, nil
		}
		redemption = existing
	} else if err != nil {
		return Transaction{}, ReferralRedemption{}, false, storageErr("insert referral redemption", err)
	}

	tx = Transaction{
		AccountID:   referrer.ID,
		Kind:        KindReferralBonus,
		Delta:       r.bonus,
		ReferenceID: string(referred.ID),
		Reason:      "referral bonus for " + referred.FirstName,
	}
	applied, err := r.log.Append(ctx, tx)
	if err != nil {
		return Transaction{}, ReferralRedemption{}, false, err
	}
	return tx, redemption, applied, nil
}
