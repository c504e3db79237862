// Package lifecycle implements the user initiated rule operations: create,
// reactivate, delete and the DDoS Protector push, removal and status checks.
// Every operation authorizes the caller, changes local state, keeps the BGP
// speaker in line and fires the audit hooks once on success.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/jakubman1/exafs/internal/ddp"
	"github.com/jakubman1/exafs/internal/route"
	"github.com/jakubman1/exafs/internal/rule"
	"github.com/jakubman1/exafs/internal/store"
)

var (
	// ErrForbidden is returned when the caller may not touch a rule.
	ErrForbidden = errors.New("not allowed to modify this rule")
	// ErrOutsideRanges is returned when a new rule matches on addresses
	// outside the caller's network ranges.
	ErrOutsideRanges = errors.New("rule is outside of the permitted network ranges")
	// ErrNotFlowspec is returned for DDoS Protector operations on RTBH rules.
	ErrNotFlowspec = errors.New("only flowspec rules can be pushed to a DDoS Protector")
)

type Store interface {
	Rule(ctx context.Context, v rule.Variant, id int64) (rule.Rule, error)
	UpsertRule(ctx context.Context, r rule.Rule) (rule.Rule, bool, error)
	Reactivate(ctx context.Context, v rule.Variant, id int64, expires time.Time) (rule.Rule, error)
	DeleteRule(ctx context.Context, r rule.Rule) error

	ExtrasForRule(ctx context.Context, v rule.Variant, ruleID int64) (*rule.DDPRuleExtras, error)
	EnsureExtras(ctx context.Context, v rule.Variant, ruleID int64) (*rule.DDPRuleExtras, error)
	SetExtrasPreset(ctx context.Context, id int64, presetID *int64) error
	Device(ctx context.Context, id int64) (*rule.DDPDevice, error)
	Preset(ctx context.Context, id int64) (*rule.DDPRulePreset, error)
}

type Builder interface {
	Build(ctx context.Context, r rule.Rule, kind route.Kind) (route.Message, error)
}

type Announcer interface {
	Send(ctx context.Context, msg route.Message) error
}

// Appliance is the DDoS Protector adapter.
type Appliance interface {
	SelectAvailableDevice(ctx context.Context) (*rule.DDPDevice, error)
	QueryRemoteRule(ctx context.Context, device *rule.DDPDevice, extras *rule.DDPRuleExtras) (*ddp.RuleStatus, error)
	DeleteRemoteRule(ctx context.Context, device *rule.DDPDevice, extras *rule.DDPRuleExtras) error
	Reactivate(ctx context.Context, extras *rule.DDPRuleExtras, r rule.Flowspec, device *rule.DDPDevice, preset *rule.DDPRulePreset) (int64, error)
}

// NetRanges returns the address ranges a user may create rules for.
type NetRanges interface {
	NetRangesFor(ctx context.Context, userID int64) ([]netip.Prefix, error)
}

// AuditLog receives one call per successful state changing operation.
type AuditLog interface {
	LogRouteChange(ctx context.Context, userID int64, r rule.Rule)
	LogWithdraw(ctx context.Context, userID int64, msg route.Message, v rule.Variant, ruleID int64)
}

// Result is the outcome of an operation that succeeded locally. Warnings
// carry the remote failures the user should know about.
type Result struct {
	Rule     rule.Rule `json:"-"`
	Created  bool      `json:"created,omitempty"`
	Warnings []string  `json:"warnings,omitempty"`
}

func (r *Result) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	slog.Warn(msg)
	r.Warnings = append(r.Warnings, msg)
}

type Service struct {
	store     Store
	builder   Builder
	announcer Announcer
	appliance Appliance
	ranges    NetRanges
	audit     AuditLog
	now       func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithAppliance enables the DDoS Protector operations.
func WithAppliance(a Appliance) Option {
	return func(s *Service) { s.appliance = a }
}

func New(st Store, b Builder, a Announcer, ranges NetRanges, audit AuditLog, opts ...Option) *Service {
	s := &Service{
		store:     st,
		builder:   b,
		announcer: a,
		ranges:    ranges,
		audit:     audit,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores r as an ACTIVE rule owned by the caller and announces it. An
// ACTIVE rule with the same match criteria only gets its expiry updated.
func (s *Service) Create(ctx context.Context, c rule.Caller, r rule.Rule) (*Result, error) {
	if !c.IsAdmin() {
		ok, err := s.withinRanges(ctx, c, r)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrOutsideRanges
		}
	}

	r.SetExpires(rule.RoundExpires(r.ExpiresAt(), s.now()))
	r.SetState(rule.StateActive)
	r.SetOwner(c.UserID)

	stored, created, err := s.store.UpsertRule(ctx, r)
	if err != nil {
		return nil, err
	}
	res := &Result{Rule: stored, Created: created}
	s.announce(ctx, stored, res)
	s.audit.LogRouteChange(ctx, c.UserID, stored)
	return res, nil
}

// Reactivate makes a rule ACTIVE again with a new expiry and announces it. A
// flowspec rule that was pushed to a DDoS Protector before is pushed again.
func (s *Service) Reactivate(ctx context.Context, c rule.Caller, v rule.Variant, id int64, expires time.Time) (*Result, error) {
	r, err := s.authorized(ctx, c, v, id)
	if err != nil {
		return nil, err
	}

	r, err = s.store.Reactivate(ctx, v, id, rule.RoundExpires(expires, s.now()))
	if err != nil {
		return nil, err
	}
	res := &Result{Rule: r}
	if fs, ok := r.(rule.Flowspec); ok && s.appliance != nil {
		s.repush(ctx, fs, res)
	}
	s.announce(ctx, r, res)
	s.audit.LogRouteChange(ctx, c.UserID, r)
	return res, nil
}

func (s *Service) repush(ctx context.Context, r rule.Flowspec, res *Result) {
	extras, err := s.store.ExtrasForRule(ctx, r.Variant(), r.RuleID())
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		res.warn("failed to load DDoS Protector binding of %s rule %d: %v", r.Variant(), r.RuleID(), err)
		return
	}
	if extras.Bound() {
		return
	}
	if err := s.push(ctx, r, extras, nil); err != nil {
		res.warn("failed to push %s rule %d to DDoS Protector: %v", r.Variant(), r.RuleID(), err)
	}
}

// Delete removes the rule's DDoS Protector rule when bound, withdraws the
// rule and deletes it. A failed appliance delete aborts before anything else
// changes so the operator can retry; a failed withdraw is a warning.
func (s *Service) Delete(ctx context.Context, c rule.Caller, v rule.Variant, id int64) (*Result, error) {
	r, err := s.authorized(ctx, c, v, id)
	if err != nil {
		return nil, err
	}
	res := &Result{Rule: r}

	if _, ok := r.(rule.Flowspec); ok && s.appliance != nil {
		if err := s.unbind(ctx, v, id); err != nil && !errors.Is(err, ddp.ErrNotBound) {
			return nil, fmt.Errorf("%s rule %d kept: %w", v, id, err)
		}
	}

	msg, err := s.builder.Build(ctx, r, route.Withdraw)
	if err != nil {
		res.warn("failed to build withdraw of %s rule %d: %v", v, id, err)
		msg = route.Message{Kind: route.Withdraw, Variant: v, RuleID: id}
	} else if err := s.announcer.Send(ctx, msg); err != nil {
		res.warn("failed to withdraw %s rule %d: %v", v, id, err)
	}

	if err := s.store.DeleteRule(ctx, r); err != nil {
		return nil, err
	}
	s.audit.LogWithdraw(ctx, c.UserID, msg, v, id)
	return res, nil
}

// PushToAppliance pushes a flowspec rule to the least loaded DDoS Protector
// and re-announces it so traffic is redirected there. presetID selects the
// defaults for fields the rule does not set; nil keeps the last used preset.
func (s *Service) PushToAppliance(ctx context.Context, c rule.Caller, v rule.Variant, id int64, presetID *int64) (*Result, error) {
	fs, extras, err := s.applianceRule(ctx, c, v, id)
	if err != nil {
		return nil, err
	}
	if extras.Bound() {
		return nil, ddp.ErrDuplicateBinding
	}
	if err := s.push(ctx, fs, extras, presetID); err != nil {
		return nil, err
	}

	res := &Result{Rule: fs}
	s.announce(ctx, fs, res)
	return res, nil
}

func (s *Service) push(ctx context.Context, r rule.Flowspec, extras *rule.DDPRuleExtras, presetID *int64) error {
	if presetID != nil {
		if err := s.store.SetExtrasPreset(ctx, extras.ID, presetID); err != nil {
			return err
		}
		extras.PresetID = presetID
	}
	var preset *rule.DDPRulePreset
	if extras.PresetID != nil {
		p, err := s.store.Preset(ctx, *extras.PresetID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		preset = p
	}

	device, err := s.appliance.SelectAvailableDevice(ctx)
	if err != nil {
		return err
	}
	_, err = s.appliance.Reactivate(ctx, extras, r, device, preset)
	return err
}

// RemoveFromAppliance deletes the rule's DDoS Protector rule and re-announces
// the rule with its own action. A failed remote call leaves the binding in
// place and is returned.
func (s *Service) RemoveFromAppliance(ctx context.Context, c rule.Caller, v rule.Variant, id int64) (*Result, error) {
	fs, _, err := s.applianceRule(ctx, c, v, id)
	if err != nil {
		return nil, err
	}
	if err := s.unbind(ctx, v, id); err != nil {
		return nil, err
	}

	res := &Result{Rule: fs}
	s.announce(ctx, fs, res)
	return res, nil
}

func (s *Service) unbind(ctx context.Context, v rule.Variant, id int64) error {
	extras, err := s.store.ExtrasForRule(ctx, v, id)
	if errors.Is(err, store.ErrNotFound) {
		return ddp.ErrNotBound
	}
	if err != nil {
		return err
	}
	if !extras.Bound() {
		return ddp.ErrNotBound
	}
	device, err := s.store.Device(ctx, *extras.DeviceID)
	if err != nil {
		return err
	}
	remoteID := *extras.DDPRuleID
	if err := s.appliance.DeleteRemoteRule(ctx, device, extras); err != nil {
		return fmt.Errorf("DDoS Protector rule %d on %s: %w", remoteID, device.Name, err)
	}
	return nil
}

// ApplianceStatus asks the device for the state of the rule's remote rule. A
// remote rule the device has forgotten is unbound and the rule re-announced.
func (s *Service) ApplianceStatus(ctx context.Context, c rule.Caller, v rule.Variant, id int64) (*ddp.RuleStatus, *Result, error) {
	fs, extras, err := s.applianceRule(ctx, c, v, id)
	if err != nil {
		return nil, nil, err
	}
	if !extras.Bound() {
		return nil, nil, ddp.ErrNotBound
	}
	device, err := s.store.Device(ctx, *extras.DeviceID)
	if err != nil {
		return nil, nil, err
	}

	res := &Result{Rule: fs}
	status, err := s.appliance.QueryRemoteRule(ctx, device, extras)
	if errors.Is(err, ddp.ErrNotFoundOnDevice) {
		res.warn("%s rule %d is no longer present on %s", v, id, device.Name)
		s.announce(ctx, fs, res)
		return nil, res, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return status, res, nil
}

func (s *Service) applianceRule(ctx context.Context, c rule.Caller, v rule.Variant, id int64) (rule.Flowspec, *rule.DDPRuleExtras, error) {
	if s.appliance == nil || v == rule.VariantRTBH {
		return nil, nil, ErrNotFlowspec
	}
	r, err := s.authorized(ctx, c, v, id)
	if err != nil {
		return nil, nil, err
	}
	fs, ok := r.(rule.Flowspec)
	if !ok {
		return nil, nil, ErrNotFlowspec
	}
	extras, err := s.store.EnsureExtras(ctx, v, id)
	if err != nil {
		return nil, nil, err
	}
	return fs, extras, nil
}

// announce sends the current announce of an ACTIVE rule. Failures become
// warnings; the next announce sweep will catch up.
func (s *Service) announce(ctx context.Context, r rule.Rule, res *Result) {
	if r.State() != rule.StateActive {
		return
	}
	msg, err := s.builder.Build(ctx, r, route.Announce)
	if err != nil {
		res.warn("failed to build announce of %s rule %d: %v", r.Variant(), r.RuleID(), err)
		return
	}
	if err := s.announcer.Send(ctx, msg); err != nil {
		res.warn("failed to announce %s rule %d: %v", r.Variant(), r.RuleID(), err)
	}
}

// authorized loads a rule the caller may modify: admins may modify any rule,
// other users their own rules and rules inside their network ranges.
func (s *Service) authorized(ctx context.Context, c rule.Caller, v rule.Variant, id int64) (rule.Rule, error) {
	r, err := s.store.Rule(ctx, v, id)
	if err != nil {
		return nil, err
	}
	if c.IsAdmin() || r.OwnerID() == c.UserID {
		return r, nil
	}
	ok, err := s.withinRanges(ctx, c, r)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrForbidden
	}
	return r, nil
}

// withinRanges reports whether every prefix of r lies inside one of the
// caller's ranges. A rule without any prefix is never within range.
func (s *Service) withinRanges(ctx context.Context, c rule.Caller, r rule.Rule) (bool, error) {
	prefixes := r.Prefixes()
	if len(prefixes) == 0 {
		return false, nil
	}
	ranges, err := s.ranges.NetRangesFor(ctx, c.UserID)
	if err != nil {
		return false, fmt.Errorf("failed to load network ranges of user %d: %w", c.UserID, err)
	}
	for _, p := range prefixes {
		if !Covered(p, ranges) {
			return false, nil
		}
	}
	return true, nil
}

// Covered reports whether p lies entirely inside one of ranges.
func Covered(p netip.Prefix, ranges []netip.Prefix) bool {
	for _, n := range ranges {
		if n.Bits() <= p.Bits() && n.Contains(p.Addr()) {
			return true
		}
	}
	return false
}
