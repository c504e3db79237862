package reconcile_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakubman1/exafs/internal/announcer"
	"github.com/jakubman1/exafs/internal/ddp"
	"github.com/jakubman1/exafs/internal/reconcile"
	"github.com/jakubman1/exafs/internal/route"
	"github.com/jakubman1/exafs/internal/rule"
	"github.com/jakubman1/exafs/internal/store"
	"github.com/jakubman1/exafs/internal/store/storetest"
)

const (
	speakerURL = "http://localhost:5000/"
	deviceURL  = "https://ddp1.example.net/api/rules"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type speaker struct {
	mu       sync.Mutex
	commands []string
}

func (s *speaker) responder(fail string) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, err
		}
		cmd := form.Get("command")
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()
		if fail != "" && strings.Contains(cmd, fail) {
			return httpmock.NewStringResponse(http.StatusInternalServerError, "speaker error"), nil
		}
		return httpmock.NewStringResponse(http.StatusOK, ""), nil
	}
}

type fixture struct {
	store   *store.Store
	mt      *httpmock.MockTransport
	speaker *speaker
	sched   *reconcile.Scheduler
	clock   time.Time
}

func newFixture(t *testing.T, failOn string) *fixture {
	t.Helper()
	s := storetest.New(t)
	storetest.Seed(t, s)

	mt := httpmock.NewMockTransport()
	sp := &speaker{}
	mt.RegisterResponder(http.MethodPost, speakerURL, sp.responder(failOn))

	client := &http.Client{Transport: mt}
	f := &fixture{store: s, mt: mt, speaker: sp, clock: now}
	f.sched = reconcile.New(s,
		route.NewBuilder(s, "192.0.2.254", "2001:db8::1"),
		announcer.New(speakerURL, client),
		reconcile.WithClock(func() time.Time { return f.clock }),
		reconcile.WithAppliance(ddp.NewAdapterWithClient(s, client), 4),
	)
	return f
}

func (f *fixture) addIPv4(t *testing.T, dst string, expires time.Time) rule.Rule {
	t.Helper()
	r := &rule.Flowspec4{
		FlowspecMatch: rule.FlowspecMatch{Destination: dst, DestinationMask: 32},
		Protocol:      "tcp",
	}
	r.ActionID = 1
	r.Expires = expires
	r.RState = rule.StateActive
	stored, _, err := f.store.UpsertRule(context.Background(), r)
	require.NoError(t, err)
	return stored
}

func (f *fixture) addRTBH(t *testing.T, ip string, expires time.Time) rule.Rule {
	t.Helper()
	r := &rule.RTBH{IPv4: ip, IPv4Mask: 32, CommunityID: 1, Expires: expires, RState: rule.StateActive}
	stored, _, err := f.store.UpsertRule(context.Background(), r)
	require.NoError(t, err)
	return stored
}

func (f *fixture) state(t *testing.T, r rule.Rule) rule.RState {
	t.Helper()
	got, err := f.store.Rule(context.Background(), r.Variant(), r.RuleID())
	require.NoError(t, err)
	return got.State()
}

func TestWithdrawExpiredAfterExpiry(t *testing.T) {
	f := newFixture(t, "")
	r := f.addIPv4(t, "192.0.2.1", now.Add(10*time.Minute))

	f.clock = now.Add(5 * time.Minute)
	report, err := f.sched.WithdrawExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Rules)
	assert.Equal(t, rule.StateActive, f.state(t, r))

	f.clock = now.Add(11 * time.Minute)
	report, err = f.sched.WithdrawExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Withdrawn)
	assert.Equal(t, rule.StateWithdrawn, f.state(t, r))
	require.Len(t, f.speaker.commands, 1)
	assert.Equal(t, "withdraw flow route { match { destination 192.0.2.1/32; protocol =tcp; } then { discard; } }", f.speaker.commands[0])
}

func TestWithdrawExpiredAtExactExpiryKeepsRule(t *testing.T) {
	f := newFixture(t, "")
	r := f.addIPv4(t, "192.0.2.1", now)

	report, err := f.sched.WithdrawExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Withdrawn)
	assert.Equal(t, rule.StateActive, f.state(t, r))
}

func TestWithdrawExpiredMarksWithdrawnWhenSpeakerFails(t *testing.T) {
	f := newFixture(t, "withdraw")
	r := f.addRTBH(t, "198.51.100.7", now.Add(-time.Minute))

	report, err := f.sched.WithdrawExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Withdrawn)
	assert.Equal(t, rule.StateWithdrawn, f.state(t, r))
}

func TestWithdrawExpiredToleratesDeletedCommunity(t *testing.T) {
	f := newFixture(t, "")
	r := f.addRTBH(t, "198.51.100.7", now.Add(-time.Minute))
	require.NoError(t, f.store.DeleteCommunity(context.Background(), 1))

	report, err := f.sched.WithdrawExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Withdrawn)
	assert.Equal(t, rule.StateWithdrawn, f.state(t, r))
	assert.Equal(t, []string{"withdraw route 198.51.100.7/32 next-hop 192.0.2.254"}, f.speaker.commands)
}

func TestWithdrawExpiredDeletesRemoteRule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	r := f.addIPv4(t, "192.0.2.1", now.Add(-time.Minute))

	device := &rule.DDPDevice{Name: "ddp1", URL: deviceURL, Key: "secret", KeyHeader: "x-api-key", Active: true}
	require.NoError(t, f.store.CreateDevice(ctx, device))
	extras, err := f.store.EnsureExtras(ctx, rule.VariantIPv4, r.RuleID())
	require.NoError(t, err)
	require.NoError(t, f.store.BindExtras(ctx, extras.ID, device.ID, 42))
	f.mt.RegisterResponder(http.MethodDelete, deviceURL+"/42", httpmock.NewStringResponder(http.StatusOK, ""))

	report, err := f.sched.WithdrawExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Withdrawn)
	assert.Equal(t, 1, report.Unbound)

	e, err := f.store.Extras(ctx, extras.ID)
	require.NoError(t, err)
	assert.False(t, e.Bound())
	assert.Nil(t, e.DeviceID)
}

func TestAnnounceAllIsRepeatable(t *testing.T) {
	f := newFixture(t, "")
	a := f.addIPv4(t, "192.0.2.1", now.Add(time.Hour))
	b := f.addRTBH(t, "198.51.100.7", now.Add(-time.Hour))

	for range 2 {
		report, err := f.sched.AnnounceAll(context.Background())
		require.NoError(t, err)
		assert.Equal(t, reconcile.Report{Rules: 2, Sent: 2}, report)
	}
	assert.Len(t, f.speaker.commands, 4)
	assert.Equal(t, rule.StateActive, f.state(t, a))
	assert.Equal(t, rule.StateActive, f.state(t, b))
}

func TestAnnounceAllContinuesAfterFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "192.0.2.2")
	f.addIPv4(t, "192.0.2.1", now.Add(time.Hour))
	f.addIPv4(t, "192.0.2.2", now.Add(time.Hour))

	orphan := &rule.Flowspec4{FlowspecMatch: rule.FlowspecMatch{Destination: "192.0.2.3", DestinationMask: 32}}
	orphan.ActionID = 99
	orphan.Expires = now.Add(time.Hour)
	orphan.RState = rule.StateActive
	_, _, err := f.store.UpsertRule(ctx, orphan)
	require.NoError(t, err)

	report, err := f.sched.AnnounceAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, reconcile.Report{Rules: 3, Sent: 1, Failed: 1, Skipped: 1}, report)
	assert.Len(t, f.speaker.commands, 2)
}

type brokenStore struct {
	reconcile.Store
}

func (brokenStore) ActiveRules(context.Context) ([]rule.Rule, error) {
	return nil, errors.New("database is locked")
}

func TestAnnounceAllStoreFailure(t *testing.T) {
	sched := reconcile.New(brokenStore{}, nil, nil)
	_, err := sched.AnnounceAll(context.Background())
	assert.Error(t, err)
}
