package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aicarpool/gateway/internal/domain"
)

// decayApplyTimeout bounds the store write a decay timer performs; the
// timer's goroutine has no request context to inherit a deadline from.
const decayApplyTimeout = 5 * time.Second

// loadDecay applies a load bump to an account and schedules the symmetric
// decrement after the decay delay. Pending decrements are tracked so a
// graceful shutdown can apply them immediately instead of leaking load
// into the store.
type loadDecay struct {
	accounts domain.AccountStore
	delay    time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	pending map[string]int
	stopped bool
}

func newLoadDecay(accounts domain.AccountStore, delay time.Duration, log *slog.Logger) *loadDecay {
	return &loadDecay{
		accounts: accounts,
		delay:    delay,
		log:      log,
		pending:  make(map[string]int),
	}
}

// bump raises the account's load now and arms the decrement timer. After
// Stop the bump is refused entirely so shutdown leaves counters balanced.
func (d *loadDecay) bump(ctx domain.Context, accountID string, delta int) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.pending[accountID] += delta
	d.mu.Unlock()

	if err := d.accounts.AdjustLoad(ctx, accountID, delta); err != nil {
		// The increment never happened; disarm the matching decrement.
		d.mu.Lock()
		d.unregister(accountID, delta)
		d.mu.Unlock()
		return err
	}

	time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if d.stopped {
			// Stop already flushed this decrement.
			d.mu.Unlock()
			return
		}
		d.unregister(accountID, delta)
		d.mu.Unlock()

		dctx, cancel := context.WithTimeout(context.Background(), decayApplyTimeout)
		defer cancel()
		if err := d.accounts.AdjustLoad(dctx, accountID, -delta); err != nil {
			d.log.Warn("load decay failed",
				slog.String("account_id", accountID),
				slog.Int("delta", delta),
				slog.Any("error", err))
		}
	})
	return nil
}

// unregister removes an armed decrement. Callers hold d.mu.
func (d *loadDecay) unregister(accountID string, delta int) {
	rest := d.pending[accountID] - delta
	if rest <= 0 {
		delete(d.pending, accountID)
		return
	}
	d.pending[accountID] = rest
}

// Stop applies every pending decrement immediately. Timers that fire later
// find the stopped flag and do nothing.
func (d *loadDecay) Stop(ctx domain.Context) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	flush := d.pending
	d.pending = nil
	d.mu.Unlock()

	for accountID, delta := range flush {
		if err := d.accounts.AdjustLoad(ctx, accountID, -delta); err != nil {
			d.log.Warn("load decay flush failed",
				slog.String("account_id", accountID),
				slog.Int("delta", delta),
				slog.Any("error", err))
		}
	}
}
