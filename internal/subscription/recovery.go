package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ops-notification-service/internal/logging"
	"ops-notification-service/internal/utils"
)

// ErrRecoveryExhausted is returned once every reauthentication attempt of an
// episode has failed.
var ErrRecoveryExhausted = errors.New("reauthentication attempts exhausted")

const DefaultMaxAttempts = 3

type Refresher interface {
	RefreshCredential(ctx context.Context) error
}

type Confirmer interface {
	ConfirmIdentity(ctx context.Context) error
}

// RecoveryPolicy reauthenticates after a feed authorization failure.
type RecoveryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Exponential bool
	Refresher   Refresher
	// Confirmer, when set, validates the refreshed credential. A failed
	// confirmation costs an attempt like a failed refresh.
	Confirmer Confirmer
	Logger    *logging.Logger
}

func (p RecoveryPolicy) backoff(retryCount int) utils.Backoff {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	return utils.Backoff{
		First:         retryCount + 1,
		MaxAttempts:   attempts,
		BaseDelay:     p.BaseDelay,
		Exponential:   p.Exponential,
		WaitFirst:     true,
		BoundAttempts: true,
	}
}

// Run spends the attempts left after retryCount. onAttempt, if not nil, is
// told the number of each attempt before it runs. Cancelling ctx abandons
// pending waits and attempts and returns ctx.Err().
func (p RecoveryPolicy) Run(ctx context.Context, retryCount int, onAttempt func(attempt int)) error {
	if p.Refresher == nil {
		return fmt.Errorf("%w: no credential refresher configured", ErrRecoveryExhausted)
	}
	logger := p.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	err := utils.Retry(ctx, logger, p.backoff(retryCount), func(ctx context.Context, attempt int) error {
		if onAttempt != nil {
			onAttempt(attempt)
		}
		if err := p.Refresher.RefreshCredential(ctx); err != nil {
			return fmt.Errorf("failed to refresh credential: %w", err)
		}
		if p.Confirmer != nil {
			if err := p.Confirmer.ConfirmIdentity(ctx); err != nil {
				return fmt.Errorf("failed to confirm identity: %w", err)
			}
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, utils.ErrAttemptsExhausted) {
		return fmt.Errorf("%w: %w", ErrRecoveryExhausted, err)
	}
	return err
}
