package quota

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/doubtdesk/teacher-core/internal/domain/shared"
)

// Decision is the outcome of CheckAndReserve.
type Decision struct {
	Allowed  bool
	Reason   string
	Resource Resource
	Plan     Plan
	Used     float64 // counter after the call
	Limit    Limit
}

// Err converts a denial into a *shared.QuotaExceededError; nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return shared.NewQuotaExceeded(string(d.Resource), d.Limit.ReportValue(), d.Used)
}

// Usage is one line of a usage report.
type Usage struct {
	Resource  Resource
	Used      float64
	Limit     Limit
	Remaining float64 // meaningless when Limit is Unlimited
	ResetsAt  time.Time
}

// Report is a user's usage across every resource.
type Report struct {
	UserID shared.UserID
	Plan   Plan
	Items  []Usage
}

// Observer receives ledger outcomes for metrics.
type Observer interface {
	ObserveReservation(resource Resource, allowed bool, amount float64)
}

// LedgerConfig configures a Ledger.
type LedgerConfig struct {
	Plans  PlanTable
	Now    func() time.Time
	Logger *slog.Logger

	// Observer is optional.
	Observer Observer
}

// Ledger gates metered actions. All state lives in the Store, so one Ledger
// can serve every session in the process.
type Ledger struct {
	store     Store
	directory PlanDirectory
	plans     PlanTable
	now       func() time.Time
	logger    *slog.Logger
	observer  Observer
}

// NewLedger creates a Ledger.
func NewLedger(store Store, directory PlanDirectory, cfg LedgerConfig) *Ledger {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Plans.plans == nil {
		cfg.Plans = NewPlanTable(DefaultPlans())
	}
	return &Ledger{
		store:     store,
		directory: directory,
		plans:     cfg.Plans,
		now:       cfg.Now,
		logger:    cfg.Logger,
		observer:  cfg.Observer,
	}
}

// CheckAndReserve reserves amount of resource for userID when the plan
// allows it. A denial is reported through Decision, not as an error; errors
// mean the ledger could not decide (bad input, store failure).
func (l *Ledger) CheckAndReserve(ctx context.Context, userID shared.UserID, resource Resource, amount float64) (Decision, error) {
	if err := validate(userID, resource, amount); err != nil {
		return Decision{}, err
	}

	plan, limits, err := l.limitsFor(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	limit, err := limits.For(resource)
	if err != nil {
		return Decision{}, err
	}

	key := KeyFor(userID, resource, l.now())
	res, err := l.store.Reserve(ctx, key, amount, limit)
	if err != nil {
		return Decision{}, shared.WrapError("quota", "Reserve", shared.ErrExternalService, "quota store failed", err)
	}

	d := Decision{
		Allowed:  res.Applied,
		Resource: resource,
		Plan:     plan,
		Used:     res.Used,
		Limit:    limit,
	}
	if !res.Applied {
		d.Reason = fmt.Sprintf("%s limit of %s reached on the %s plan", resource, limit, plan)
		l.logger.Info("quota denied",
			slog.String("user_id", userID.String()),
			slog.String("resource", resource.String()),
			slog.Float64("amount", amount),
			slog.Float64("used", res.Used),
			slog.String("limit", limit.String()),
		)
	}
	if l.observer != nil {
		l.observer.ObserveReservation(resource, res.Applied, amount)
	}
	return d, nil
}

// Reserve is CheckAndReserve with denial turned into a QuotaExceededError.
func (l *Ledger) Reserve(ctx context.Context, userID shared.UserID, resource Resource, amount float64) error {
	d, err := l.CheckAndReserve(ctx, userID, resource, amount)
	if err != nil {
		return err
	}
	return d.Err()
}

// Usage builds a report across every resource for the current periods.
func (l *Ledger) Usage(ctx context.Context, userID shared.UserID) (Report, error) {
	plan, _, err := l.limitsFor(ctx, userID)
	if err != nil {
		return Report{}, err
	}
	report := Report{UserID: userID, Plan: plan}
	for _, r := range AllResources {
		u, err := l.UsageOf(ctx, userID, r)
		if err != nil {
			return Report{}, err
		}
		report.Items = append(report.Items, u)
	}
	return report, nil
}

// UsageOf reports current usage of a single resource.
func (l *Ledger) UsageOf(ctx context.Context, userID shared.UserID, resource Resource) (Usage, error) {
	if !resource.IsValid() {
		return Usage{}, shared.ErrUnknownResource
	}
	_, limits, err := l.limitsFor(ctx, userID)
	if err != nil {
		return Usage{}, err
	}
	limit, _ := limits.For(resource)

	now := l.now()
	rec, err := l.store.Load(ctx, KeyFor(userID, resource, now))
	if err != nil {
		return Usage{}, shared.WrapError("quota", "Load", shared.ErrExternalService, "quota store failed", err)
	}
	left, _ := limit.Remaining(rec.Used)
	return Usage{
		Resource:  resource,
		Used:      rec.Used,
		Limit:     limit,
		Remaining: left,
		ResetsAt:  resource.Period().ResetsAt(now),
	}, nil
}

func (l *Ledger) limitsFor(ctx context.Context, userID shared.UserID) (Plan, PlanLimits, error) {
	plan, err := l.directory.PlanFor(ctx, userID)
	if err != nil {
		return "", PlanLimits{}, err
	}
	limits, err := l.plans.Lookup(plan)
	if err != nil {
		return "", PlanLimits{}, err
	}
	return plan, limits, nil
}

func validate(userID shared.UserID, resource Resource, amount float64) error {
	if !userID.IsValid() {
		return shared.NewDomainError("quota", "Validate", shared.ErrInvalidID, "user id is empty")
	}
	if !resource.IsValid() {
		return shared.ErrUnknownResource
	}
	if !(amount > 0) || math.IsInf(amount, 0) {
		return shared.ErrInvalidAmount
	}
	if resource.Integral() && amount != math.Trunc(amount) {
		return shared.NewDomainError("quota", "Validate", shared.ErrInvalidInput, "amount must be a whole number for "+resource.String())
	}
	return nil
}
