package lifecycle_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakubman1/exafs/internal/announcer"
	"github.com/jakubman1/exafs/internal/ddp"
	"github.com/jakubman1/exafs/internal/lifecycle"
	"github.com/jakubman1/exafs/internal/route"
	"github.com/jakubman1/exafs/internal/rule"
	"github.com/jakubman1/exafs/internal/store"
	"github.com/jakubman1/exafs/internal/store/storetest"
)

const (
	speakerURL = "http://localhost:5000/"
	deviceURL  = "https://ddp1.example.net/api/rules"
)

var (
	now   = time.Date(2024, 5, 1, 12, 3, 0, 0, time.UTC)
	owner = rule.Caller{UserID: 7, RoleIDs: []int64{1}}
	admin = rule.Caller{UserID: 1, RoleIDs: []int64{rule.RoleAdmin}}
)

type ranges map[int64][]netip.Prefix

func (r ranges) NetRangesFor(_ context.Context, userID int64) ([]netip.Prefix, error) {
	return r[userID], nil
}

type auditRecord struct {
	kind   string
	userID int64
	ruleID int64
}

type recorder struct {
	mu        sync.Mutex
	records   []auditRecord
	withdrawn []route.Message
}

func (r *recorder) LogRouteChange(_ context.Context, userID int64, rl rule.Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, auditRecord{kind: "route", userID: userID, ruleID: rl.RuleID()})
}

func (r *recorder) LogWithdraw(_ context.Context, userID int64, msg route.Message, _ rule.Variant, ruleID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, auditRecord{kind: "withdraw", userID: userID, ruleID: ruleID})
	r.withdrawn = append(r.withdrawn, msg)
}

type fixture struct {
	store    *store.Store
	mt       *httpmock.MockTransport
	audit    *recorder
	svc      *lifecycle.Service
	commands []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := storetest.New(t)
	storetest.Seed(t, s)

	f := &fixture{store: s, mt: httpmock.NewMockTransport(), audit: &recorder{}}
	f.mt.RegisterResponder(http.MethodPost, speakerURL, func(req *http.Request) (*http.Response, error) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, err
		}
		f.commands = append(f.commands, form.Get("command"))
		return httpmock.NewStringResponse(http.StatusOK, ""), nil
	})

	f.svc = f.service(s)
	return f
}

// service wires a lifecycle service over st that shares the fixture's
// speaker, appliance transport and audit log.
func (f *fixture) service(st lifecycle.Store) *lifecycle.Service {
	client := &http.Client{Transport: f.mt}
	nets := ranges{owner.UserID: {netip.MustParsePrefix("192.0.2.0/24")}, 9: {netip.MustParsePrefix("192.0.2.0/24")}}
	return lifecycle.New(st,
		route.NewBuilder(f.store, "192.0.2.254", "2001:db8::1"),
		announcer.New(speakerURL, client),
		nets, f.audit,
		lifecycle.WithClock(func() time.Time { return now }),
		lifecycle.WithAppliance(ddp.NewAdapterWithClient(f.store, client)),
	)
}

func (f *fixture) addDevice(t *testing.T, redirect string) *rule.DDPDevice {
	t.Helper()
	d := &rule.DDPDevice{Name: "ddp1", URL: deviceURL, Key: "secret", KeyHeader: "x-api-key", RedirectCommand: redirect, Active: true}
	require.NoError(t, f.store.CreateDevice(context.Background(), d))
	return d
}

func ipv4Rule(dst string) *rule.Flowspec4 {
	r := &rule.Flowspec4{
		FlowspecMatch: rule.FlowspecMatch{Destination: dst, DestinationMask: 32},
		Protocol:      "udp",
	}
	r.ActionID = 1
	r.Expires = now.Add(time.Hour + 7*time.Minute)
	return r
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Create(context.Background(), owner, ipv4Rule("192.0.2.1"))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, time.Date(2024, 5, 1, 13, 10, 0, 0, time.UTC), res.Rule.ExpiresAt())
	assert.Equal(t, rule.StateActive, res.Rule.State())
	assert.Equal(t, owner.UserID, res.Rule.OwnerID())

	assert.Equal(t, []string{"announce flow route { match { destination 192.0.2.1/32; protocol =udp; } then { discard; } }"}, f.commands)
	assert.Equal(t, []auditRecord{{kind: "route", userID: owner.UserID, ruleID: res.Rule.RuleID()}}, f.audit.records)
}

func TestCreateDuplicateUpdatesExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first, err := f.svc.Create(ctx, owner, ipv4Rule("192.0.2.1"))
	require.NoError(t, err)

	dup := ipv4Rule("192.0.2.1")
	dup.Expires = now.Add(5 * time.Hour)
	second, err := f.svc.Create(ctx, owner, dup)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Rule.RuleID(), second.Rule.RuleID())

	n, err := f.store.CountRules(ctx, rule.VariantIPv4)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Len(t, f.audit.records, 2)
}

func TestCreateExpiryInThePastSnapsForward(t *testing.T) {
	f := newFixture(t)
	r := ipv4Rule("192.0.2.1")
	r.Expires = now.Add(-time.Hour)

	res, err := f.svc.Create(context.Background(), owner, r)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 10, 0, 0, time.UTC), res.Rule.ExpiresAt())
}

func TestCreateRanges(t *testing.T) {
	tests := []struct {
		name   string
		caller rule.Caller
		dst    string
		err    error
	}{
		{name: "inside", caller: owner, dst: "192.0.2.9"},
		{name: "outside", caller: owner, dst: "198.51.100.1", err: lifecycle.ErrOutsideRanges},
		{name: "no ranges", caller: rule.Caller{UserID: 42}, dst: "192.0.2.9", err: lifecycle.ErrOutsideRanges},
		{name: "admin bypass", caller: admin, dst: "198.51.100.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Create(context.Background(), tt.caller, ipv4Rule(tt.dst))
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				assert.Empty(t, f.commands)
				assert.Empty(t, f.audit.records)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestCreateSpeakerDownIsWarning(t *testing.T) {
	f := newFixture(t)
	f.mt.RegisterResponder(http.MethodPost, speakerURL, httpmock.NewErrorResponder(errors.New("connection refused")))

	res, err := f.svc.Create(context.Background(), owner, ipv4Rule("192.0.2.1"))
	require.NoError(t, err)
	assert.Len(t, res.Warnings, 1)
	assert.Len(t, f.audit.records, 1)
}

func TestDeleteAuthorization(t *testing.T) {
	tests := []struct {
		name   string
		caller rule.Caller
		err    error
	}{
		{name: "owner", caller: owner},
		{name: "admin", caller: admin},
		{name: "same ranges", caller: rule.Caller{UserID: 9}},
		{name: "foreign", caller: rule.Caller{UserID: 42}, err: lifecycle.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			created, err := f.svc.Create(ctx, owner, ipv4Rule("192.0.2.1"))
			require.NoError(t, err)
			f.commands, f.audit.records = nil, nil

			_, err = f.svc.Delete(ctx, tt.caller, rule.VariantIPv4, created.Rule.RuleID())
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				assert.Empty(t, f.commands)
				assert.Empty(t, f.audit.records)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []string{"withdraw flow route { match { destination 192.0.2.1/32; protocol =udp; } then { discard; } }"}, f.commands)
			assert.Equal(t, []auditRecord{{kind: "withdraw", userID: tt.caller.UserID, ruleID: created.Rule.RuleID()}}, f.audit.records)

			_, err = f.store.Rule(ctx, rule.VariantIPv4, created.Rule.RuleID())
			assert.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}

func TestReactivate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created, err := f.svc.Create(ctx, owner, ipv4Rule("192.0.2.1"))
	require.NoError(t, err)
	require.NoError(t, f.store.MarkWithdrawn(ctx, created.Rule, now.Add(24*time.Hour)))
	f.commands, f.audit.records = nil, nil

	res, err := f.svc.Reactivate(ctx, owner, rule.VariantIPv4, created.Rule.RuleID(), now.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, rule.StateActive, res.Rule.State())
	assert.Equal(t, time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC), res.Rule.ExpiresAt())
	assert.Len(t, f.commands, 1)
	assert.Len(t, f.audit.records, 1)
}

// vanishingStore loses the row between authorization and reactivation.
type vanishingStore struct {
	*store.Store
}

func (s vanishingStore) Reactivate(ctx context.Context, v rule.Variant, id int64, _ time.Time) (rule.Rule, error) {
	r, err := s.Store.Rule(ctx, v, id)
	if err != nil {
		return nil, err
	}
	if err := s.Store.DeleteRule(ctx, r); err != nil {
		return nil, err
	}
	return nil, store.ErrStaleRow
}

func TestReactivateVanishedRuleIsNotAnnounced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created, err := f.svc.Create(ctx, owner, ipv4Rule("192.0.2.1"))
	require.NoError(t, err)
	require.NoError(t, f.store.MarkWithdrawn(ctx, created.Rule, now.Add(24*time.Hour)))
	f.commands, f.audit.records = nil, nil

	svc := f.service(vanishingStore{f.store})
	_, err = svc.Reactivate(ctx, owner, rule.VariantIPv4, created.Rule.RuleID(), now.Add(3*time.Hour))
	require.ErrorIs(t, err, store.ErrStaleRow)
	assert.Empty(t, f.commands)
	assert.Empty(t, f.audit.records)
}

func TestPushToApplianceRedirects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addDevice(t, "redirect 65535:1001")
	f.mt.RegisterResponder(http.MethodPost, deviceURL, httpmock.NewStringResponder(http.StatusOK, `{"id": 42}`))

	created, err := f.svc.Create(ctx, owner, ipv4Rule("192.0.2.1"))
	require.NoError(t, err)
	f.commands, f.audit.records = nil, nil

	res, err := f.svc.PushToAppliance(ctx, owner, rule.VariantIPv4, created.Rule.RuleID(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, []string{"announce flow route { match { destination 192.0.2.1/32; protocol =udp; } then { redirect 65535:1001; } }"}, f.commands)
	assert.Empty(t, f.audit.records)

	_, err = f.svc.PushToAppliance(ctx, owner, rule.VariantIPv4, created.Rule.RuleID(), nil)
	require.ErrorIs(t, err, ddp.ErrDuplicateBinding)
	assert.Equal(t, 1, f.mt.GetCallCountInfo()["POST "+deviceURL])
}

func TestPushToApplianceRejectsRTBH(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.PushToAppliance(context.Background(), admin, rule.VariantRTBH, 1, nil)
	assert.ErrorIs(t, err, lifecycle.ErrNotFlowspec)
}

func TestRemoveFromApplianceConnectionError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	device := f.addDevice(t, "")
	created, err := f.svc.Create(ctx, owner, ipv4Rule("192.0.2.1"))
	require.NoError(t, err)
	extras, err := f.store.EnsureExtras(ctx, rule.VariantIPv4, created.Rule.RuleID())
	require.NoError(t, err)
	require.NoError(t, f.store.BindExtras(ctx, extras.ID, device.ID, 42))
	f.mt.RegisterResponder(http.MethodDelete, deviceURL+"/42", httpmock.NewErrorResponder(errors.New("connection refused")))

	_, err = f.svc.RemoveFromAppliance(ctx, owner, rule.VariantIPv4, created.Rule.RuleID())
	var connErr *ddp.ConnectionError
	require.ErrorAs(t, err, &connErr)

	e, err := f.store.Extras(ctx, extras.ID)
	require.NoError(t, err)
	assert.True(t, e.Bound())
}

func TestApplianceStatusNotFoundUnbinds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	device := f.addDevice(t, "redirect 65535:1001")
	created, err := f.svc.Create(ctx, owner, ipv4Rule("192.0.2.1"))
	require.NoError(t, err)
	extras, err := f.store.EnsureExtras(ctx, rule.VariantIPv4, created.Rule.RuleID())
	require.NoError(t, err)
	require.NoError(t, f.store.BindExtras(ctx, extras.ID, device.ID, 42))
	f.mt.RegisterResponder(http.MethodGet, deviceURL+"/42", httpmock.NewStringResponder(http.StatusNotFound, ""))
	f.commands = nil

	status, res, err := f.svc.ApplianceStatus(ctx, owner, rule.VariantIPv4, created.Rule.RuleID())
	require.NoError(t, err)
	assert.Nil(t, status)
	assert.Len(t, res.Warnings, 1)
	assert.Equal(t, []string{"announce flow route { match { destination 192.0.2.1/32; protocol =udp; } then { discard; } }"}, f.commands)

	e, err := f.store.Extras(ctx, extras.ID)
	require.NoError(t, err)
	assert.False(t, e.Bound())
}

func TestDeleteRemovesBoundApplianceRule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	device := f.addDevice(t, "")
	created, err := f.svc.Create(ctx, owner, ipv4Rule("192.0.2.1"))
	require.NoError(t, err)
	extras, err := f.store.EnsureExtras(ctx, rule.VariantIPv4, created.Rule.RuleID())
	require.NoError(t, err)
	require.NoError(t, f.store.BindExtras(ctx, extras.ID, device.ID, 42))
	f.mt.RegisterResponder(http.MethodDelete, deviceURL+"/42", httpmock.NewStringResponder(http.StatusOK, ""))

	res, err := f.svc.Delete(ctx, owner, rule.VariantIPv4, created.Rule.RuleID())
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 1, f.mt.GetCallCountInfo()["DELETE "+deviceURL+"/42"])

	_, err = f.store.Extras(ctx, extras.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteKeepsRuleWhenApplianceDeleteFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	device := f.addDevice(t, "")
	created, err := f.svc.Create(ctx, owner, ipv4Rule("192.0.2.1"))
	require.NoError(t, err)
	extras, err := f.store.EnsureExtras(ctx, rule.VariantIPv4, created.Rule.RuleID())
	require.NoError(t, err)
	require.NoError(t, f.store.BindExtras(ctx, extras.ID, device.ID, 42))
	f.mt.RegisterResponder(http.MethodDelete, deviceURL+"/42", httpmock.NewErrorResponder(errors.New("connection refused")))
	f.commands, f.audit.records = nil, nil

	_, err = f.svc.Delete(ctx, owner, rule.VariantIPv4, created.Rule.RuleID())
	var connErr *ddp.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Contains(t, err.Error(), "DDoS Protector rule 42 on ddp1")
	assert.Empty(t, f.commands)
	assert.Empty(t, f.audit.records)

	kept, err := f.store.Rule(ctx, rule.VariantIPv4, created.Rule.RuleID())
	require.NoError(t, err)
	assert.Equal(t, rule.StateActive, kept.State())
	e, err := f.store.Extras(ctx, extras.ID)
	require.NoError(t, err)
	assert.True(t, e.Bound())
}

func TestDeleteAuditsUnbuildableWithdraw(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	broken, _, err := f.store.UpsertRule(ctx, &rule.RTBH{CommunityID: 1, Expires: now.Add(time.Hour), RState: rule.StateActive})
	require.NoError(t, err)

	res, err := f.svc.Delete(ctx, admin, rule.VariantRTBH, broken.RuleID())
	require.NoError(t, err)
	assert.Len(t, res.Warnings, 1)
	assert.Empty(t, f.commands)

	require.Len(t, f.audit.withdrawn, 1)
	msg := f.audit.withdrawn[0]
	assert.Equal(t, route.Withdraw, msg.Kind)
	assert.Equal(t, rule.VariantRTBH, msg.Variant)
	assert.Equal(t, broken.RuleID(), msg.RuleID)
	assert.Empty(t, msg.Match)
}

func TestCovered(t *testing.T) {
	ranges := []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24"), netip.MustParsePrefix("2001:db8::/32")}
	tests := []struct {
		prefix string
		want   bool
	}{
		{"192.0.2.0/24", true},
		{"192.0.2.128/25", true},
		{"192.0.0.0/16", false},
		{"198.51.100.1/32", false},
		{"2001:db8:1::/48", true},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			assert.Equal(t, tt.want, lifecycle.Covered(netip.MustParsePrefix(tt.prefix), ranges))
		})
	}
}
