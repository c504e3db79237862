// Package rule holds the rule entities managed by the daemon: the three rule
// variants, the actions and communities they reference and the DDoS Protector
// side tables.
package rule

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Variant identifies one of the closed set of rule kinds.
type Variant int

const (
	VariantRTBH Variant = 1
	VariantIPv4 Variant = 4
	VariantIPv6 Variant = 6
)

// Variants lists every variant in sweep order.
var Variants = []Variant{VariantIPv4, VariantIPv6, VariantRTBH}

func (v Variant) String() string {
	switch v {
	case VariantRTBH:
		return "rtbh"
	case VariantIPv4:
		return "ipv4"
	case VariantIPv6:
		return "ipv6"
	}
	return fmt.Sprintf("variant(%d)", int(v))
}

// ParseVariant accepts the variant name or its numeric rule type.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(s) {
	case "rtbh", "1":
		return VariantRTBH, nil
	case "ipv4", "4":
		return VariantIPv4, nil
	case "ipv6", "6":
		return VariantIPv6, nil
	}
	return 0, fmt.Errorf("unknown rule variant %q", s)
}

// RState is the lifecycle state of a rule.
type RState int

const (
	StateActive    RState = 1
	StateWithdrawn RState = 2
)

func (s RState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateWithdrawn:
		return "withdrawn"
	}
	return fmt.Sprintf("rstate(%d)", int(s))
}

// Rule is implemented by *Flowspec4, *Flowspec6 and *RTBH only.
type Rule interface {
	RuleID() int64
	Variant() Variant
	ExpiresAt() time.Time
	State() RState
	OwnerID() int64

	SetExpires(t time.Time)
	SetState(s RState)
	SetOwner(userID int64)

	// Match returns the column values identifying a live duplicate.
	Match() map[string]any
	// Prefixes returns every address prefix the rule matches on.
	Prefixes() []netip.Prefix

	sealed()
}

// New returns an empty rule of the given variant.
func New(v Variant) (Rule, error) {
	switch v {
	case VariantIPv4:
		return &Flowspec4{}, nil
	case VariantIPv6:
		return &Flowspec6{}, nil
	case VariantRTBH:
		return &RTBH{}, nil
	}
	return nil, fmt.Errorf("unknown rule variant %d", int(v))
}

// ExpiryGranularity is the boundary every stored expiry is aligned to.
const ExpiryGranularity = 10 * time.Minute

// RoundExpires truncates t to the previous 10 minute boundary. A result lying
// before now is moved forward to the first boundary at or after now, so a rule
// never gets stored already expired.
func RoundExpires(t, now time.Time) time.Time {
	t = t.UTC().Truncate(ExpiryGranularity)
	if !t.Before(now) {
		return t
	}
	next := now.UTC().Truncate(ExpiryGranularity)
	if next.Before(now) {
		next = next.Add(ExpiryGranularity)
	}
	return next
}

func prefixOf(addr string, mask, maxMask int) (netip.Prefix, bool) {
	if addr == "" {
		return netip.Prefix{}, false
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return netip.Prefix{}, false
	}
	p, err := ip.Prefix(SanitizeMask(mask, maxMask))
	if err != nil {
		return netip.Prefix{}, false
	}
	return p, true
}

// SanitizeMask returns mask, or maxMask when mask is out of range.
func SanitizeMask(mask, maxMask int) int {
	if mask < 0 || mask > maxMask {
		return maxMask
	}
	return mask
}
