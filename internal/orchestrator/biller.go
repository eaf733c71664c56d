// ABOUTME: Billing contract: credits charged at admission, refunded on failure
// ABOUTME: NopBiller for default wiring; real billing lives behind the interface

package orchestrator

import "context"

// Biller charges users for command admission. Charges happen before a
// command is admitted; blocks, cancellations, and admission failures
// refund.
type Biller interface {
	Charge(ctx context.Context, userID string, credits int) error
	Refund(ctx context.Context, userID string, credits int) error
}

// NopBiller accepts every charge and refund. It is the default wiring
// when no billing backend is configured.
type NopBiller struct{}

func (NopBiller) Charge(ctx context.Context, userID string, credits int) error { return nil }
func (NopBiller) Refund(ctx context.Context, userID string, credits int) error { return nil }
