package payment

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DeclineSourceID makes the simulated gateway decline, like a sandbox test card.
const DeclineSourceID = "tok_declined"

// Simulated approves every charge except DeclineSourceID and negative amounts.
// Like a real processor it answers a repeated idempotency key with the
// original authorization instead of charging again.
type Simulated struct {
	mu         sync.Mutex
	authorized map[string]Authorization
}

func NewSimulated() *Simulated {
	return &Simulated{}
}

func (s *Simulated) Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error) {
	if err := ctx.Err(); err != nil {
		return Authorization{}, err
	}
	if req.Amount.IsNegative() {
		return Authorization{}, fmt.Errorf("%w: negative amount %s", ErrDeclined, req.Amount)
	}
	if strings.TrimSpace(req.Info.SourceID) == DeclineSourceID {
		return Authorization{}, fmt.Errorf("%w: card declined", ErrDeclined)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if auth, ok := s.authorized[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return auth, nil
	}

	auth := Authorization{
		TransactionID: "txn_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Status:        "COMPLETED",
	}
	if req.IdempotencyKey != "" {
		if s.authorized == nil {
			s.authorized = make(map[string]Authorization)
		}
		s.authorized[req.IdempotencyKey] = auth
	}
	return auth, nil
}

func (s *Simulated) Refund(ctx context.Context, req RefundRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(req.TransactionID) == "" {
		return fmt.Errorf("refund: missing transaction id")
	}
	return nil
}
