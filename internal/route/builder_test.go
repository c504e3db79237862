package route

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakubman1/exafs/internal/rule"
)

type fakeResolver struct {
	actions     map[int64]*rule.Action
	communities map[int64]*rule.Community
	redirects   map[int64]string
	err         error
}

func (f *fakeResolver) Action(_ context.Context, id int64) (*rule.Action, error) {
	return f.actions[id], f.err
}

func (f *fakeResolver) Community(_ context.Context, id int64) (*rule.Community, error) {
	return f.communities[id], f.err
}

func (f *fakeResolver) RedirectCommand(_ context.Context, _ rule.Variant, id int64) (string, error) {
	return f.redirects[id], nil
}

func newResolver() *fakeResolver {
	return &fakeResolver{
		actions: map[int64]*rule.Action{
			1: {ID: 1, Name: "Discard", Command: "discard"},
			2: {ID: 2, Name: "Limit", Command: "rate-limit 10000"},
		},
		communities: map[int64]*rule.Community{
			1: {ID: 1, Name: "Blackhole", Comm: "65535:666", LargeComm: "64496:1:2"},
		},
		redirects: map[int64]string{},
	}
}

func ipv4Rule() *rule.Flowspec4 {
	r := &rule.Flowspec4{
		FlowspecMatch: rule.FlowspecMatch{
			Source:          "10.0.0.0",
			SourceMask:      24,
			SourcePort:      "80",
			Destination:     "192.0.2.1",
			DestinationMask: 40,
			DestinationPort: "1024-2048;443",
			Flags:           "SYN;ACK",
			PacketLen:       "64",
		},
		Protocol: "tcp",
	}
	r.ID = 11
	r.ActionID = 1
	r.Expires = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.RState = rule.StateActive
	return r
}

func TestBuildCommands(t *testing.T) {
	ipv6 := &rule.Flowspec6{
		FlowspecMatch: rule.FlowspecMatch{Destination: "2001:db8::", DestinationMask: 32},
		NextHeader:    "udp",
	}
	ipv6.ID = 5
	ipv6.ActionID = 2

	all := &rule.Flowspec4{FlowspecMatch: rule.FlowspecMatch{Destination: "192.0.2.0", DestinationMask: 24, Flags: "SYN"}, Protocol: "all"}
	all.ActionID = 1

	tests := []struct {
		name string
		rule rule.Rule
		kind Kind
		want string
	}{
		{
			name: "ipv4 announce",
			rule: ipv4Rule(),
			kind: Announce,
			want: "announce flow route { match { source 10.0.0.0/24; source-port =80; destination 192.0.2.1/32; " +
				"destination-port [>=1024&<=2048 =443]; protocol =tcp; tcp-flags [syn ack]; packet-length =64; } then { discard; } }",
		},
		{
			name: "ipv6 withdraw",
			rule: ipv6,
			kind: Withdraw,
			want: "withdraw flow route { match { destination 2001:db8::/32; next-header =udp; } then { rate-limit 10000; } }",
		},
		{
			name: "protocol all drops protocol and flags",
			rule: all,
			kind: Announce,
			want: "announce flow route { match { destination 192.0.2.0/24; } then { discard; } }",
		},
		{
			name: "rtbh ipv4",
			rule: &rule.RTBH{ID: 3, IPv4: "192.0.2.7", IPv4Mask: 32, CommunityID: 1},
			kind: Announce,
			want: "announce route 192.0.2.7/32 next-hop 192.0.2.254 community [65535:666] large-community [64496:1:2]",
		},
		{
			name: "rtbh ipv6",
			rule: &rule.RTBH{ID: 4, IPv6: "2001:db8::1", IPv6Mask: 128, CommunityID: 1},
			kind: Withdraw,
			want: "withdraw route 2001:db8::1/128 next-hop 100::1 community [65535:666] large-community [64496:1:2]",
		},
	}

	b := NewBuilder(newResolver(), "192.0.2.254", "100::1")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := b.Build(context.Background(), tt.rule, tt.kind)
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.Command())
			assert.Equal(t, tt.kind, msg.Kind)
			assert.Equal(t, tt.rule.RuleID(), msg.RuleID)
		})
	}
}

func TestBuildDoesNotMutateRule(t *testing.T) {
	r := ipv4Rule()
	before := *r
	_, err := NewBuilder(newResolver(), "self", "self").BuildAnnounce(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, before, *r)
}

func TestBuildResolvesActionAtBuildTime(t *testing.T) {
	res := newResolver()
	b := NewBuilder(res, "self", "self")
	r := ipv4Rule()

	first, err := b.BuildAnnounce(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "discard", first.Then)

	res.actions[1] = &rule.Action{ID: 1, Command: "rate-limit 5"}
	second, err := b.BuildAnnounce(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "rate-limit 5", second.Then)
}

func TestBuildUnresolvedReference(t *testing.T) {
	b := NewBuilder(newResolver(), "self", "self")
	r := ipv4Rule()
	r.ActionID = 42

	_, err := b.BuildAnnounce(context.Background(), r)
	require.ErrorIs(t, err, ErrUnresolvedReference)

	msg, err := b.BuildWithdraw(context.Background(), r)
	require.NoError(t, err)
	assert.Empty(t, msg.Then)
	assert.NotContains(t, msg.Command(), "then")

	_, err = b.BuildAnnounce(context.Background(), &rule.RTBH{IPv4: "192.0.2.1", IPv4Mask: 32, CommunityID: 9})
	require.ErrorIs(t, err, ErrUnresolvedReference)
}

func TestBuildResolverFailure(t *testing.T) {
	res := newResolver()
	res.err = errors.New("database is locked")
	_, err := NewBuilder(res, "self", "self").BuildAnnounce(context.Background(), ipv4Rule())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnresolvedReference)
}

func TestBuildRedirectWhenBound(t *testing.T) {
	res := newResolver()
	res.redirects[11] = "redirect 65535:6666"
	b := NewBuilder(res, "self", "self")

	announce, err := b.BuildAnnounce(context.Background(), ipv4Rule())
	require.NoError(t, err)
	assert.Contains(t, announce.Command(), "then { redirect 65535:6666; }")

	withdraw, err := b.BuildWithdraw(context.Background(), ipv4Rule())
	require.NoError(t, err)
	assert.Equal(t, "discard", withdraw.Then)
}

func TestParseThen(t *testing.T) {
	tests := []struct {
		command string
		want    ExtCommunity
		wantErr bool
	}{
		{command: "discard", want: ExtCommunity{Type: ActionTrafficRateBytes}},
		{command: "rate-limit 9600;", want: ExtCommunity{Type: ActionTrafficRateBytes, Argument: 9600}},
		{command: "mark 0x2e", want: ExtCommunity{Type: ActionTrafficMarking, Argument: 46}},
		{command: "redirect 65535:1001", want: ExtCommunity{Type: ActionRedirect, Target: "65535:1001"}},
		{command: "rate-limit", wantErr: true},
		{command: "rate-limit fast", wantErr: true},
		{command: "accept", wantErr: true},
		{command: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			got, err := ParseThen(tt.command)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseThen() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("ParseThen() got = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTranslateNumbers(t *testing.T) {
	assert.Equal(t, "=53", TranslateNumbers("53"))
	assert.Equal(t, ">=1024", TranslateNumbers(">=1024"))
	assert.Equal(t, "[=53 >=100&<=200]", TranslateNumbers("53; 100-200;"))
}
