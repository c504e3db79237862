// Package reconcile runs the sweeps that keep the BGP speaker and the DDoS
// Protectors in line with the rule store.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jakubman1/exafs/internal/metrics"
	"github.com/jakubman1/exafs/internal/route"
	"github.com/jakubman1/exafs/internal/rule"
	"github.com/jakubman1/exafs/internal/store"
)

const (
	SweepAnnounceAll     = "announce_all"
	SweepWithdrawExpired = "withdraw_expired"
)

// Store is the rule persistence used by the sweeps.
type Store interface {
	ActiveRules(ctx context.Context) ([]rule.Rule, error)
	ExpiredRules(ctx context.Context, now time.Time) ([]rule.Rule, error)
	MarkWithdrawn(ctx context.Context, r rule.Rule, before time.Time) error
	ExtrasForRule(ctx context.Context, v rule.Variant, ruleID int64) (*rule.DDPRuleExtras, error)
	Device(ctx context.Context, id int64) (*rule.DDPDevice, error)
}

type Builder interface {
	Build(ctx context.Context, r rule.Rule, kind route.Kind) (route.Message, error)
}

type Announcer interface {
	Send(ctx context.Context, msg route.Message) error
}

// Appliance removes remote DDoS Protector rules of expired flowspec rules.
type Appliance interface {
	DeleteRemoteRule(ctx context.Context, device *rule.DDPDevice, extras *rule.DDPRuleExtras) error
}

// Report summarizes one sweep.
type Report struct {
	Rules     int `json:"rules"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Withdrawn int `json:"withdrawn"`
	Unbound   int `json:"unbound"`
}

// Scheduler runs the sweeps. Sweeps hold no lock and may overlap each other
// and ordinary rule changes; every state change is a single guarded update.
type Scheduler struct {
	store       Store
	builder     Builder
	announcer   Announcer
	appliance   Appliance
	now         func() time.Time
	concurrency int
}

type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithAppliance enables removal of remote rules for expired flowspec rules,
// with at most concurrency requests in flight.
func WithAppliance(a Appliance, concurrency int) Option {
	return func(s *Scheduler) {
		s.appliance = a
		s.concurrency = max(concurrency, 1)
	}
}

func New(st Store, b Builder, a Announcer, opts ...Option) *Scheduler {
	s := &Scheduler{store: st, builder: b, announcer: a, now: time.Now, concurrency: 1}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AnnounceAll re-announces every ACTIVE rule regardless of expiry. It is the
// full resync used after a speaker restart.
func (s *Scheduler) AnnounceAll(ctx context.Context) (Report, error) {
	defer observe(SweepAnnounceAll, time.Now())

	rules, err := s.store.ActiveRules(ctx)
	if err != nil {
		return Report{}, err
	}

	report := Report{Rules: len(rules)}
	perVariant := map[rule.Variant]int{}
	for _, r := range rules {
		perVariant[r.Variant()]++
		msg, err := s.builder.Build(ctx, r, route.Announce)
		if err != nil {
			logRuleError("skipping rule announce", r, err)
			report.Skipped++
			continue
		}
		if err := s.announcer.Send(ctx, msg); err != nil {
			logRuleError("announce delivery failed", r, err)
			report.Failed++
			continue
		}
		report.Sent++
	}
	for _, v := range rule.Variants {
		metrics.ActiveRules.WithLabelValues(v.String()).Set(float64(perVariant[v]))
	}
	record(SweepAnnounceAll, report)

	slog.Info("announce sweep finished",
		slog.Int("rules", report.Rules),
		slog.Int("sent", report.Sent),
		slog.Int("failed", report.Failed),
		slog.Int("skipped", report.Skipped))
	return report, nil
}

// WithdrawExpired withdraws every ACTIVE rule whose expiry lies strictly
// before now and marks it WITHDRAWN. The state change happens once the
// withdraw was attempted, whether or not the speaker accepted it.
func (s *Scheduler) WithdrawExpired(ctx context.Context) (Report, error) {
	defer observe(SweepWithdrawExpired, time.Now())

	now := s.now()
	rules, err := s.store.ExpiredRules(ctx, now)
	if err != nil {
		return Report{}, err
	}

	report := Report{Rules: len(rules)}
	var withdrawn []rule.Flowspec
	for _, r := range rules {
		msg, err := s.builder.Build(ctx, r, route.Withdraw)
		if err != nil {
			logRuleError("skipping rule withdraw", r, err)
			report.Skipped++
			continue
		}
		if err := s.announcer.Send(ctx, msg); err != nil {
			logRuleError("withdraw delivery failed", r, err)
			report.Failed++
		} else {
			report.Sent++
		}

		err = s.store.MarkWithdrawn(ctx, r, now)
		if errors.Is(err, store.ErrStaleRow) {
			slog.Debug("rule changed during sweep, skipping",
				slog.String("variant", r.Variant().String()),
				slog.Int64("id", r.RuleID()))
			continue
		}
		if err != nil {
			logRuleError("failed to mark rule withdrawn", r, err)
			continue
		}
		report.Withdrawn++
		metrics.RulesWithdrawnTotal.WithLabelValues(r.Variant().String()).Inc()
		if fs, ok := r.(rule.Flowspec); ok {
			withdrawn = append(withdrawn, fs)
		}
	}

	if s.appliance != nil {
		report.Unbound = s.unbindExpired(ctx, withdrawn)
	}
	record(SweepWithdrawExpired, report)

	slog.Info("withdraw sweep finished",
		slog.Int("rules", report.Rules),
		slog.Int("withdrawn", report.Withdrawn),
		slog.Int("failed", report.Failed),
		slog.Int("skipped", report.Skipped),
		slog.Int("unbound", report.Unbound))
	return report, nil
}

// unbindExpired deletes the remote rules of withdrawn flowspec rules. Each
// goroutine owns a distinct extras row.
func (s *Scheduler) unbindExpired(ctx context.Context, rules []rule.Flowspec) int {
	results := make([]bool, len(rules))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, r := range rules {
		g.Go(func() error {
			results[i] = s.unbind(ctx, r)
			return nil
		})
	}
	_ = g.Wait()

	unbound := 0
	for _, ok := range results {
		if ok {
			unbound++
		}
	}
	return unbound
}

func (s *Scheduler) unbind(ctx context.Context, r rule.Flowspec) bool {
	extras, err := s.store.ExtrasForRule(ctx, r.Variant(), r.RuleID())
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	if err != nil {
		logRuleError("failed to load DDoS Protector binding", r, err)
		return false
	}
	if !extras.Bound() {
		return false
	}
	device, err := s.store.Device(ctx, *extras.DeviceID)
	if err != nil {
		logRuleError("failed to load DDoS Protector device", r, err)
		return false
	}
	if err := s.appliance.DeleteRemoteRule(ctx, device, extras); err != nil {
		logRuleError("failed to delete DDoS Protector rule", r, err)
		return false
	}
	return true
}

func logRuleError(msg string, r rule.Rule, err error) {
	slog.Warn(msg,
		slog.String("variant", r.Variant().String()),
		slog.Int64("id", r.RuleID()),
		slog.String("error", err.Error()))
}

func observe(sweep string, start time.Time) {
	metrics.SweepDurationSeconds.WithLabelValues(sweep).Observe(time.Since(start).Seconds())
}

func record(sweep string, r Report) {
	metrics.SweepRulesTotal.WithLabelValues(sweep, "sent").Add(float64(r.Sent))
	metrics.SweepRulesTotal.WithLabelValues(sweep, "failed").Add(float64(r.Failed))
	metrics.SweepRulesTotal.WithLabelValues(sweep, "skipped").Add(float64(r.Skipped))
}
