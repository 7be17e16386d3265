package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Reason string

const (
	ReasonProviderLimit    Reason = "provider_limit_exceeded"
	ReasonDailyLimit       Reason = "daily_limit_exceeded"
	ReasonMonthlyLimit     Reason = "monthly_limit_exceeded"
	ReasonConcurrencyLimit Reason = "concurrency_limit_exceeded"
)

var (
	ErrQuotaExceeded   = errors.New("quota_exceeded")
	ErrInvalidTenant   = errors.New("invalid_tenant")
	ErrUnknownProvider = errors.New("unknown_provider")
)

// Rejection is a structured quota refusal. It is never counted as a failed run attempt.
type Rejection struct {
	Reason  Reason
	Limit   int
	Current int
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s (limit %d, current %d)", ErrQuotaExceeded, r.Reason, r.Limit, r.Current)
}

func (r *Rejection) Unwrap() error { return ErrQuotaExceeded }

func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// RunCounter reports pipeline activity for a tenant.
type RunCounter interface {
	CountTriggeredSince(ctx context.Context, tenantID string, since time.Time) (int, error)
	CountRunning(ctx context.Context, tenantID string) (int, error)
}

type Enforcer interface {
	// Admit serializes a tenant's check-then-write sequences.
	Admit(ctx context.Context, tenantID string, fn func(context.Context) error) error
	// CheckRun gates creating a run: provider, daily and monthly limits.
	CheckRun(ctx context.Context, tenantID string) error
	// CheckConcurrency gates Pending to Running.
	CheckConcurrency(ctx context.Context, tenantID string) error
	CheckEnableProvider(ctx context.Context, tenantID, provider string) error
}

type ProviderService interface {
	Enable(ctx context.Context, tenantID, provider string) error
	Disable(ctx context.Context, tenantID, provider string) error
}
