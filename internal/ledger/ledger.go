// Package ledger owns the per-identity credit accounts held in an
// external string-keyed record store. The store offers read-then-full-
// rewrite only, so every mutation re-reads under a per-identity lock;
// the lock is what makes the read-modify-write cycle atomic.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mapleshot/mapleshot/internal/keymutex"
	"github.com/mapleshot/mapleshot/internal/models"
)

// Store is the external customer-record API at its boundary: no
// compare-and-swap, no locking, just fetch and rewrite.
type Store interface {
	// Fetch returns the record's fields, reporting whether it exists.
	Fetch(ctx context.Context, key string) (Fields, bool, error)
	Create(ctx context.Context, key string, f Fields) error
	Update(ctx context.Context, key string, f Fields) error
}

// EventSet is a durable processed-set of applied top-up grants, keyed
// by (event, credit type). One payment event may carry line items of
// both credit types, so the record-level last_event_id alone cannot
// distinguish a redelivery from the second type of the same event.
type EventSet interface {
	Seen(ctx context.Context, eventID string, t models.CreditType) (bool, error)
	Mark(ctx context.Context, rec models.TopUpRecord) error
}

// Options configures account creation policy and the clock.
type Options struct {
	FreeImageCredits int
	FreeVideoCredits int
	Now              func() time.Time
}

type Ledger struct {
	store  Store
	events EventSet
	locks  *keymutex.Manager
	log    *slog.Logger

	freeImage int
	freeVideo int
	now       func() time.Time
}

func New(store Store, events EventSet, log *slog.Logger, opts Options) *Ledger {
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Ledger{
		store:     store,
		events:    events,
		locks:     keymutex.NewManager(),
		log:       log,
		freeImage: opts.FreeImageCredits,
		freeVideo: opts.FreeVideoCredits,
		now:       nowFn,
	}
}

// ChargeResult reports the outcome of a charge attempt.
type ChargeResult struct {
	OK       bool
	UsedFree bool
	Account  models.CreditAccount
}

// Read loads the identity's account, creating it with the policy
// initial grant on first sight.
func (l *Ledger) Read(ctx context.Context, identity string) (models.CreditAccount, error) {
	var acct models.CreditAccount
	err := l.locks.Do(identity, func() error {
		var err error
		acct, _, err = l.load(ctx, identity)
		return err
	})
	return acct, err
}

// Charge consumes exactly one credit of the given type, free bucket
// first, and increments the matching generation counter. It re-reads
// the account under the identity lock; a caller-supplied snapshot is
// never trusted. Returns OK=false with no write when both buckets are
// empty.
func (l *Ledger) Charge(ctx context.Context, identity string, t models.CreditType, presetID, requestHash string, requestBytes int64) (ChargeResult, error) {
	if !t.Valid() {
		return ChargeResult{}, ErrInvalidCreditType
	}

	var res ChargeResult
	err := l.locks.Do(identity, func() error {
		acct, _, err := l.load(ctx, identity)
		if err != nil {
			return err
		}

		now := l.now().UTC()
		switch t {
		case models.CreditTypeImage:
			switch {
			case acct.FreeImageCredits > 0:
				acct.FreeImageCredits--
				res.UsedFree = true
			case acct.PaidImageCredits > 0:
				acct.PaidImageCredits--
			default:
				res = ChargeResult{OK: false, Account: acct}
				return nil
			}
			acct.TotalImageGenerations++
			acct.LastImageChargeAt = &now
			acct.LastImagePreset = presetID
		case models.CreditTypeVideo:
			switch {
			case acct.FreeVideoCredits > 0:
				acct.FreeVideoCredits--
				res.UsedFree = true
			case acct.PaidVideoCredits > 0:
				acct.PaidVideoCredits--
			default:
				res = ChargeResult{OK: false, Account: acct}
				return nil
			}
			acct.TotalVideoGenerations++
			acct.LastVideoChargeAt = &now
			acct.LastVideoPreset = presetID
		}
		acct.LastRequestHash = requestHash
		acct.LastRequestBytes = requestBytes

		if err := l.store.Update(ctx, identity, EncodeAccount(acct)); err != nil {
			res = ChargeResult{}
			return fmt.Errorf("%w: update account: %w", ErrPersistence, err)
		}
		res.OK = true
		res.Account = acct
		return nil
	})
	return res, err
}

// Grant adds purchased credits to the paid bucket of the given type.
// Both the processed-set and the record's per-type last applied event
// id are consulted before any mutation, so redelivered events are
// applied at most once even when one of the two writes was lost.
// Returns whether the grant was applied.
func (l *Ledger) Grant(ctx context.Context, identity string, t models.CreditType, amount int, eventID string) (bool, error) {
	if !t.Valid() {
		return false, ErrInvalidCreditType
	}
	if amount <= 0 {
		return false, ErrInvalidAmount
	}

	applied := false
	err := l.locks.Do(identity, func() error {
		acct, _, err := l.load(ctx, identity)
		if err != nil {
			return err
		}

		// The per-type event id is written in the same update as the
		// balance, so it catches a redelivery even when the durable
		// mark below never landed. One event may carry line items of
		// both types, which is why the shared last_event_id cannot
		// serve here.
		switch t {
		case models.CreditTypeImage:
			if acct.LastImageTopUpEventID == eventID {
				return nil
			}
		case models.CreditTypeVideo:
			if acct.LastVideoTopUpEventID == eventID {
				return nil
			}
		}
		if l.events != nil {
			seen, err := l.events.Seen(ctx, eventID, t)
			if err != nil {
				return fmt.Errorf("%w: check processed events: %w", ErrPersistence, err)
			}
			if seen {
				return nil
			}
		}

		switch t {
		case models.CreditTypeImage:
			acct.PaidImageCredits += amount
			acct.LastImageTopUpEventID = eventID
		case models.CreditTypeVideo:
			acct.PaidVideoCredits += amount
			acct.LastVideoTopUpEventID = eventID
		}
		acct.LastTopUpEventID = eventID

		if err := l.store.Update(ctx, identity, EncodeAccount(acct)); err != nil {
			return fmt.Errorf("%w: update account: %w", ErrPersistence, err)
		}

		if l.events != nil {
			rec := models.TopUpRecord{
				EventID:    eventID,
				CreditType: t,
				Identity:   identity,
				Credits:    amount,
				CreatedAt:  l.now().UTC(),
			}
			if err := l.events.Mark(ctx, rec); err != nil {
				// The balance is already committed; a redelivery of
				// this event is still caught by the per-type event id
				// stored with it.
				l.log.Error("mark top-up event", "event_id", eventID, "err", err)
			}
		}
		applied = true
		return nil
	})
	return applied, err
}

// Reset zeroes all balances and counters for the identity, keeping the
// record itself. Administrative escape hatch.
func (l *Ledger) Reset(ctx context.Context, identity string) error {
	return l.locks.Do(identity, func() error {
		_, exists, err := l.load(ctx, identity)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}
		if err := l.store.Update(ctx, identity, EncodeAccount(models.CreditAccount{})); err != nil {
			return fmt.Errorf("%w: reset account: %w", ErrPersistence, err)
		}
		return nil
	})
}

// load fetches and parses the record, creating it with the initial
// free grant when the identity has never been seen. The bool reports
// whether the record already existed.
func (l *Ledger) load(ctx context.Context, identity string) (models.CreditAccount, bool, error) {
	fields, found, err := l.store.Fetch(ctx, identity)
	if err != nil {
		return models.CreditAccount{}, false, fmt.Errorf("%w: fetch account: %w", ErrPersistence, err)
	}
	if found {
		return parseAccount(fields), true, nil
	}

	acct := models.CreditAccount{
		FreeImageCredits: l.freeImage,
		FreeVideoCredits: l.freeVideo,
	}
	if err := l.store.Create(ctx, identity, EncodeAccount(acct)); err != nil {
		return models.CreditAccount{}, false, fmt.Errorf("%w: create account: %w", ErrPersistence, err)
	}
	l.log.Info("created credit account", "identity", identity, "free_image", l.freeImage, "free_video", l.freeVideo)
	return acct, false, nil
}
