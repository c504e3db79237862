// Package ddp pushes flowspec rules to DDoS Protector appliances and keeps
// the local extras bindings in sync with them.
package ddp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jakubman1/exafs/internal/metrics"
	"github.com/jakubman1/exafs/internal/rule"
)

// Store is the persistence the adapter needs.
type Store interface {
	ActiveDevices(ctx context.Context) ([]rule.DDPDevice, error)
	DeviceLoad(ctx context.Context) (map[int64]int, error)
	Extras(ctx context.Context, id int64) (*rule.DDPRuleExtras, error)
	BindExtras(ctx context.Context, id, deviceID, remoteID int64) error
	ClearExtras(ctx context.Context, id int64) error
}

// RuleStatus is a device's view of one of its rules.
type RuleStatus struct {
	ID     int64          `json:"id"`
	Fields map[string]any `json:"-"`
}

// Adapter talks to DDoS Protector devices over HTTP. Mutations of one
// extras row are serialized and start from the stored row, so callers
// holding stale copies cannot bind a row twice.
type Adapter struct {
	store      Store
	httpClient *http.Client
	now        func() time.Time

	rows rowLocks
}

// NewAdapter returns an adapter whose requests are bounded by timeout.
func NewAdapter(store Store, timeout time.Duration) *Adapter {
	return NewAdapterWithClient(store, &http.Client{Timeout: timeout})
}

func NewAdapterWithClient(store Store, httpClient *http.Client) *Adapter {
	return &Adapter{store: store, httpClient: httpClient, now: time.Now}
}

// rowLocks hands out one mutex per extras id, dropping it once no caller
// holds or waits for it.
type rowLocks struct {
	mu    sync.Mutex
	locks map[int64]*rowLock
}

type rowLock struct {
	sync.Mutex
	refs int
}

func (l *rowLocks) lock(id int64) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[int64]*rowLock)
	}
	rl, ok := l.locks[id]
	if !ok {
		rl = &rowLock{}
		l.locks[id] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()
		l.mu.Lock()
		if rl.refs--; rl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *rowLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// lockRow serializes work on one extras row and refreshes extras from the
// store while holding the lock.
func (a *Adapter) lockRow(ctx context.Context, extras *rule.DDPRuleExtras) (func(), error) {
	unlock := a.rows.lock(extras.ID)
	current, err := a.store.Extras(ctx, extras.ID)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("failed to reload extras %d: %w", extras.ID, err)
	}
	*extras = *current
	return unlock, nil
}

// SelectAvailableDevice picks the active device with the fewest bound rules,
// preferring the lowest id on a tie.
func (a *Adapter) SelectAvailableDevice(ctx context.Context) (*rule.DDPDevice, error) {
	devices, err := a.store.ActiveDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, ErrNoDevice
	}
	load, err := a.store.DeviceLoad(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read device load: %w", err)
	}

	best := &devices[0]
	for i := range devices[1:] {
		d := &devices[i+1]
		if load[d.ID] < load[best.ID] || (load[d.ID] == load[best.ID] && d.ID < best.ID) {
			best = d
		}
	}
	return best, nil
}

// CreateRemoteRule posts native to the device and binds the returned remote
// id to extras. A failed call leaves extras untouched.
func (a *Adapter) CreateRemoteRule(ctx context.Context, device *rule.DDPDevice, extras *rule.DDPRuleExtras, native NativeRule) (int64, error) {
	unlock, err := a.lockRow(ctx, extras)
	if err != nil {
		return 0, err
	}
	defer unlock()
	return a.createRemoteRule(ctx, device, extras, native)
}

func (a *Adapter) createRemoteRule(ctx context.Context, device *rule.DDPDevice, extras *rule.DDPRuleExtras, native NativeRule) (remoteID int64, err error) {
	defer func() {
		metrics.ApplianceRequestsTotal.WithLabelValues("create", metrics.Result(err)).Inc()
	}()
	if extras.DDPRuleID != nil {
		return 0, ErrDuplicateBinding
	}

	body, err := json.Marshal(native)
	if err != nil {
		return 0, err
	}
	status, respBody, err := a.do(ctx, device, http.MethodPost, device.URL, body)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, &ProtocolError{Device: device.Name, StatusCode: status, Body: string(respBody)}
	}

	var created RuleStatus
	if err := json.Unmarshal(respBody, &created); err != nil || created.ID == 0 {
		return 0, &ProtocolError{Device: device.Name, StatusCode: status, Body: string(respBody)}
	}
	if err := a.store.BindExtras(ctx, extras.ID, device.ID, created.ID); err != nil {
		return 0, fmt.Errorf("remote rule %d created on %s but not recorded: %w", created.ID, device.Name, err)
	}
	deviceID, id := device.ID, created.ID
	extras.DeviceID, extras.DDPRuleID = &deviceID, &id

	slog.Info("created DDoS Protector rule",
		slog.String("device", device.Name),
		slog.Int64("remote_id", created.ID),
		slog.Int64("extras_id", extras.ID))
	return created.ID, nil
}

// QueryRemoteRule fetches the remote rule bound to extras. A rule the device
// no longer knows is unbound locally and ErrNotFoundOnDevice is returned.
func (a *Adapter) QueryRemoteRule(ctx context.Context, device *rule.DDPDevice, extras *rule.DDPRuleExtras) (status *RuleStatus, err error) {
	unlock, err := a.lockRow(ctx, extras)
	if err != nil {
		return nil, err
	}
	defer unlock()
	defer func() {
		if !errors.Is(err, ErrNotFoundOnDevice) {
			metrics.ApplianceRequestsTotal.WithLabelValues("query", metrics.Result(err)).Inc()
		}
	}()
	if extras.DDPRuleID == nil {
		return nil, ErrNotBound
	}

	code, body, err := a.do(ctx, device, http.MethodGet, remoteURL(device, *extras.DDPRuleID), nil)
	if err != nil {
		return nil, err
	}
	switch code {
	case http.StatusOK:
	case http.StatusNotFound:
		if err := a.store.ClearExtras(ctx, extras.ID); err != nil {
			return nil, err
		}
		extras.DeviceID, extras.DDPRuleID = nil, nil
		return nil, ErrNotFoundOnDevice
	default:
		return nil, &ProtocolError{Device: device.Name, StatusCode: code, Body: string(body)}
	}

	status = &RuleStatus{}
	if err := json.Unmarshal(body, &status.Fields); err != nil {
		return nil, &ProtocolError{Device: device.Name, StatusCode: code, Body: string(body)}
	}
	if err := json.Unmarshal(body, status); err != nil {
		return nil, &ProtocolError{Device: device.Name, StatusCode: code, Body: string(body)}
	}
	if status.ID != 0 && status.ID != *extras.DDPRuleID {
		if err := a.store.BindExtras(ctx, extras.ID, device.ID, status.ID); err != nil {
			return nil, err
		}
		id := status.ID
		extras.DDPRuleID = &id
	}
	return status, nil
}

// DeleteRemoteRule deletes the remote rule bound to extras and unbinds it.
// On failure extras is left bound so the operator can retry.
func (a *Adapter) DeleteRemoteRule(ctx context.Context, device *rule.DDPDevice, extras *rule.DDPRuleExtras) (err error) {
	unlock, err := a.lockRow(ctx, extras)
	if err != nil {
		return err
	}
	defer unlock()
	defer func() {
		metrics.ApplianceRequestsTotal.WithLabelValues("delete", metrics.Result(err)).Inc()
	}()
	if extras.DDPRuleID == nil {
		return ErrNotBound
	}

	code, body, err := a.do(ctx, device, http.MethodDelete, remoteURL(device, *extras.DDPRuleID), nil)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return &ProtocolError{Device: device.Name, StatusCode: code, Body: string(body)}
	}
	if err := a.store.ClearExtras(ctx, extras.ID); err != nil {
		return err
	}
	slog.Info("deleted DDoS Protector rule",
		slog.String("device", device.Name),
		slog.Int64("remote_id", *extras.DDPRuleID),
		slog.Int64("extras_id", extras.ID))
	extras.DeviceID, extras.DDPRuleID = nil, nil
	return nil
}

// Reactivate pushes the flowspec rule's current match criteria again. The
// extras row must not be bound to a remote rule.
func (a *Adapter) Reactivate(ctx context.Context, extras *rule.DDPRuleExtras, r rule.Flowspec, device *rule.DDPDevice, preset *rule.DDPRulePreset) (int64, error) {
	unlock, err := a.lockRow(ctx, extras)
	if err != nil {
		return 0, err
	}
	defer unlock()
	if extras.DDPRuleID != nil {
		return 0, ErrDuplicateBinding
	}
	return a.createRemoteRule(ctx, device, extras, NativeRuleFromFlowspec(r, preset, a.now()))
}

// RefreshLoad publishes the number of bound rules per device.
func (a *Adapter) RefreshLoad(ctx context.Context) error {
	devices, err := a.store.ActiveDevices(ctx)
	if err != nil {
		return err
	}
	load, err := a.store.DeviceLoad(ctx)
	if err != nil {
		return err
	}
	for _, d := range devices {
		metrics.ApplianceBoundRules.WithLabelValues(d.Name).Set(float64(load[d.ID]))
	}
	return nil
}

func remoteURL(device *rule.DDPDevice, remoteID int64) string {
	return device.URL + "/" + strconv.FormatInt(remoteID, 10)
}

func (a *Adapter) do(ctx context.Context, device *rule.DDPDevice, method, url string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if device.KeyHeader != "" {
		req.Header.Set(device.KeyHeader, device.Key)
	}

	slog.Debug("DDoS Protector request", slog.String("method", method), slog.String("url", url))
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, nil, &ConnectionError{Device: device.Name, Err: err}
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, &ConnectionError{Device: device.Name, Err: err}
	}
	return resp.StatusCode, respBody, nil
}
