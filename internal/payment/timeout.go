package payment

import (
	"context"
	"fmt"
	"time"
)

type timeoutGateway struct {
	next    Gateway
	timeout time.Duration
}

// WithTimeout bounds every call on next. A call still running at the
// deadline returns ErrTimeout even if next ignores its context.
func WithTimeout(next Gateway, timeout time.Duration) Gateway {
	if timeout <= 0 {
		return next
	}
	return &timeoutGateway{next: next, timeout: timeout}
}

type authorizeResult struct {
	auth Authorization
	err  error
}

func (g *timeoutGateway) Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan authorizeResult, 1)
	go func() {
		auth, err := g.next.Authorize(ctx, req)
		done <- authorizeResult{auth: auth, err: err}
	}()

	select {
	case res := <-done:
		return res.auth, res.err
	case <-ctx.Done():
		return Authorization{}, fmt.Errorf("%w after %s: %w", ErrTimeout, g.timeout, ctx.Err())
	}
}

func (g *timeoutGateway) Refund(ctx context.Context, req RefundRequest) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- g.next.Refund(ctx, req)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w after %s: %w", ErrTimeout, g.timeout, ctx.Err())
	}
}
