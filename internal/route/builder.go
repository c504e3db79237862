package route

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jakubman1/exafs/internal/rule"
)

// ErrUnresolvedReference is returned when the action or community a rule
// points to no longer exists.
var ErrUnresolvedReference = errors.New("unresolved reference")

// Resolver looks up the current definitions referenced by rules. A nil result
// with a nil error means the id does not resolve.
type Resolver interface {
	Action(ctx context.Context, id int64) (*rule.Action, error)
	Community(ctx context.Context, id int64) (*rule.Community, error)
	// RedirectCommand returns the redirect command of the DDoS Protector the
	// flowspec rule is bound to, or "" when it is not bound.
	RedirectCommand(ctx context.Context, v rule.Variant, ruleID int64) (string, error)
}

// Builder builds route messages. It never modifies the rules it reads.
type Builder struct {
	resolver  Resolver
	nextHopV4 string
	nextHopV6 string
}

// NewBuilder returns a builder announcing RTBH routes with the given next hops.
func NewBuilder(resolver Resolver, nextHopV4, nextHopV6 string) *Builder {
	return &Builder{resolver: resolver, nextHopV4: nextHopV4, nextHopV6: nextHopV6}
}

func (b *Builder) Build(ctx context.Context, r rule.Rule, kind Kind) (Message, error) {
	switch r := r.(type) {
	case rule.Flowspec:
		return b.buildFlowspec(ctx, r, kind)
	case *rule.RTBH:
		return b.buildRTBH(ctx, r, kind)
	}
	return Message{}, fmt.Errorf("unsupported rule type %T", r)
}

func (b *Builder) BuildAnnounce(ctx context.Context, r rule.Rule) (Message, error) {
	return b.Build(ctx, r, Announce)
}

func (b *Builder) BuildWithdraw(ctx context.Context, r rule.Rule) (Message, error) {
	return b.Build(ctx, r, Withdraw)
}

func (b *Builder) buildFlowspec(ctx context.Context, r rule.Flowspec, kind Kind) (Message, error) {
	msg := Message{
		Kind:    kind,
		Variant: r.Variant(),
		RuleID:  r.RuleID(),
		Match:   matchClauses(r.Variant(), r.MatchFields()),
	}

	action, err := b.resolver.Action(ctx, r.Action())
	if err != nil {
		return Message{}, fmt.Errorf("resolving action %d: %w", r.Action(), err)
	}
	if action == nil {
		if kind == Announce {
			return Message{}, fmt.Errorf("%s rule %d: action %d: %w", r.Variant(), r.RuleID(), r.Action(), ErrUnresolvedReference)
		}
		return msg, nil
	}
	msg.Action = action
	msg.Then = action.Command

	if kind == Announce {
		redirect, err := b.resolver.RedirectCommand(ctx, r.Variant(), r.RuleID())
		if err != nil {
			return Message{}, fmt.Errorf("resolving redirect for %s rule %d: %w", r.Variant(), r.RuleID(), err)
		}
		if redirect != "" {
			msg.Then = redirect
		}
	}
	return msg, nil
}

func (b *Builder) buildRTBH(ctx context.Context, r *rule.RTBH, kind Kind) (Message, error) {
	msg := Message{Kind: kind, Variant: rule.VariantRTBH, RuleID: r.ID}

	prefixes := r.Prefixes()
	if len(prefixes) == 0 {
		return Message{}, fmt.Errorf("rtbh rule %d has no valid prefix", r.ID)
	}
	msg.Match = []string{prefixes[0].String()}
	msg.NextHop = b.nextHopV4
	if prefixes[0].Addr().Is6() {
		msg.NextHop = b.nextHopV6
	}

	community, err := b.resolver.Community(ctx, r.CommunityID)
	if err != nil {
		return Message{}, fmt.Errorf("resolving community %d: %w", r.CommunityID, err)
	}
	if community == nil && kind == Announce {
		return Message{}, fmt.Errorf("rtbh rule %d: community %d: %w", r.ID, r.CommunityID, ErrUnresolvedReference)
	}
	msg.Community = community
	return msg, nil
}

func matchClauses(v rule.Variant, f rule.FlowspecFields) []string {
	var clauses []string
	if f.Source != "" {
		clauses = append(clauses, fmt.Sprintf("source %s/%d;", f.Source, f.SourceMask))
	}
	if f.SourcePort != "" {
		clauses = append(clauses, fmt.Sprintf("source-port %s;", TranslateNumbers(f.SourcePort)))
	}
	if f.Destination != "" {
		clauses = append(clauses, fmt.Sprintf("destination %s/%d;", f.Destination, f.DestinationMask))
	}
	if f.DestinationPort != "" {
		clauses = append(clauses, fmt.Sprintf("destination-port %s;", TranslateNumbers(f.DestinationPort)))
	}

	protocol := strings.ToLower(f.Protocol)
	if protocol != "" && protocol != "all" {
		keyword := "protocol"
		if v == rule.VariantIPv6 {
			keyword = "next-header"
		}
		clauses = append(clauses, fmt.Sprintf("%s =%s;", keyword, protocol))
	}
	if protocol == "tcp" && f.Flags != "" {
		if flags := splitList(strings.ToLower(f.Flags)); len(flags) > 0 {
			clauses = append(clauses, fmt.Sprintf("tcp-flags [%s];", strings.Join(flags, " ")))
		}
	}
	if f.PacketLen != "" {
		clauses = append(clauses, fmt.Sprintf("packet-length %s;", TranslateNumbers(f.PacketLen)))
	}
	return clauses
}

// TranslateNumbers converts a port or length specification such as
// "80;1024-2048;>=5000" to the speaker's numeric operator syntax.
func TranslateNumbers(list string) string {
	items := splitList(list)
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, translateNumber(item))
	}
	if len(out) == 1 {
		return out[0]
	}
	return "[" + strings.Join(out, " ") + "]"
}

func translateNumber(item string) string {
	if _, err := strconv.ParseUint(item, 10, 32); err == nil {
		return "=" + item
	}
	if low, high, ok := strings.Cut(item, "-"); ok {
		_, lowErr := strconv.ParseUint(low, 10, 32)
		_, highErr := strconv.ParseUint(high, 10, 32)
		if lowErr == nil && highErr == nil {
			return ">=" + low + "&<=" + high
		}
	}
	return item
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ";") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
