// Package api exposes the rule operations and the reconciliation sweeps over
// HTTP. Callers are identified by the X-User-Id and X-Role-Ids headers set
// by the authenticating proxy in front of the daemon.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/jakubman1/exafs/internal/ddp"
	"github.com/jakubman1/exafs/internal/lifecycle"
	"github.com/jakubman1/exafs/internal/reconcile"
	"github.com/jakubman1/exafs/internal/rule"
	"github.com/jakubman1/exafs/internal/store"
)

const (
	HeaderUserID  = "X-User-Id"
	HeaderRoleIDs = "X-Role-Ids"
)

var errUnauthenticated = errors.New("missing or invalid caller identity")

type Lifecycle interface {
	Create(ctx context.Context, c rule.Caller, r rule.Rule) (*lifecycle.Result, error)
	Reactivate(ctx context.Context, c rule.Caller, v rule.Variant, id int64, expires time.Time) (*lifecycle.Result, error)
	Delete(ctx context.Context, c rule.Caller, v rule.Variant, id int64) (*lifecycle.Result, error)
	PushToAppliance(ctx context.Context, c rule.Caller, v rule.Variant, id int64, presetID *int64) (*lifecycle.Result, error)
	RemoveFromAppliance(ctx context.Context, c rule.Caller, v rule.Variant, id int64) (*lifecycle.Result, error)
	ApplianceStatus(ctx context.Context, c rule.Caller, v rule.Variant, id int64) (*ddp.RuleStatus, *lifecycle.Result, error)
}

type Sweeper interface {
	AnnounceAll(ctx context.Context) (reconcile.Report, error)
	WithdrawExpired(ctx context.Context) (reconcile.Report, error)
}

// Store is the read and admin surface of the rule store.
type Store interface {
	Rules(ctx context.Context, v rule.Variant) ([]rule.Rule, error)
	Rule(ctx context.Context, v rule.Variant, id int64) (rule.Rule, error)

	Devices(ctx context.Context) ([]rule.DDPDevice, error)
	CreateDevice(ctx context.Context, d *rule.DDPDevice) error
	UpdateDevice(ctx context.Context, d *rule.DDPDevice) error
	DeleteDevice(ctx context.Context, id int64) error

	Presets(ctx context.Context) ([]rule.DDPRulePreset, error)
	CreatePreset(ctx context.Context, p *rule.DDPRulePreset) error
	UpdatePreset(ctx context.Context, id int64, in rule.DDPRulePreset) (*rule.DDPRulePreset, error)
	DeletePreset(ctx context.Context, id int64) error
}

type Handler struct {
	lifecycle Lifecycle
	sweeper   Sweeper
	store     Store
	mux       *http.ServeMux
}

func NewHandler(l Lifecycle, s Sweeper, st Store) *Handler {
	h := &Handler{lifecycle: l, sweeper: s, store: st, mux: http.NewServeMux()}

	h.mux.HandleFunc("POST /rules/announce_all", h.loopbackOnly(h.announceAll))
	h.mux.HandleFunc("POST /rules/withdraw_expired", h.loopbackOnly(h.withdrawExpired))

	h.mux.HandleFunc("GET /rules/{variant}", h.withCaller(h.listRules))
	h.mux.HandleFunc("POST /rules/{variant}", h.withCaller(h.createRule))
	h.mux.HandleFunc("GET /rules/{variant}/{id}", h.withCaller(h.getRule))
	h.mux.HandleFunc("DELETE /rules/{variant}/{id}", h.withCaller(h.deleteRule))
	h.mux.HandleFunc("POST /rules/{variant}/{id}/reactivate", h.withCaller(h.reactivateRule))
	h.mux.HandleFunc("GET /rules/{variant}/{id}/ddp", h.withCaller(h.applianceStatus))
	h.mux.HandleFunc("POST /rules/{variant}/{id}/ddp", h.withCaller(h.pushToAppliance))
	h.mux.HandleFunc("DELETE /rules/{variant}/{id}/ddp", h.withCaller(h.removeFromAppliance))

	h.mux.HandleFunc("GET /ddp/devices", h.adminOnly(h.listDevices))
	h.mux.HandleFunc("POST /ddp/devices", h.adminOnly(h.createDevice))
	h.mux.HandleFunc("PUT /ddp/devices/{id}", h.adminOnly(h.updateDevice))
	h.mux.HandleFunc("DELETE /ddp/devices/{id}", h.adminOnly(h.deleteDevice))
	h.mux.HandleFunc("GET /ddp/presets", h.adminOnly(h.listPresets))
	h.mux.HandleFunc("POST /ddp/presets", h.adminOnly(h.createPreset))
	h.mux.HandleFunc("PUT /ddp/presets/{id}", h.adminOnly(h.updatePreset))
	h.mux.HandleFunc("DELETE /ddp/presets/{id}", h.adminOnly(h.deletePreset))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type callerHandler func(w http.ResponseWriter, r *http.Request, c rule.Caller)

// CallerFromRequest reads the caller identity headers.
func CallerFromRequest(r *http.Request) (rule.Caller, error) {
	userID, err := strconv.ParseInt(r.Header.Get(HeaderUserID), 10, 64)
	if err != nil || userID <= 0 {
		return rule.Caller{}, errUnauthenticated
	}
	c := rule.Caller{UserID: userID}
	for _, s := range strings.Split(r.Header.Get(HeaderRoleIDs), ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		role, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return rule.Caller{}, errUnauthenticated
		}
		c.RoleIDs = append(c.RoleIDs, role)
	}
	return c, nil
}

func (h *Handler) withCaller(next callerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := CallerFromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next(w, r, c)
	}
}

func (h *Handler) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return h.withCaller(func(w http.ResponseWriter, r *http.Request, c rule.Caller) {
		if !c.IsAdmin() {
			writeError(w, http.StatusForbidden, lifecycle.ErrForbidden)
			return
		}
		next(w, r)
	})
}

// loopbackOnly rejects requests that did not originate from the local host.
func (h *Handler) loopbackOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		addr, err := netip.ParseAddr(host)
		if err != nil || !addr.Unmap().IsLoopback() {
			slog.Warn("rejected sweep trigger", slog.String("remote", r.RemoteAddr), slog.String("path", r.URL.Path))
			writeError(w, http.StatusForbidden, errors.New("sweeps can only be triggered from localhost"))
			return
		}
		next(w, r)
	}
}

func (h *Handler) announceAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.sweeper.AnnounceAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) withdrawExpired(w http.ResponseWriter, r *http.Request) {
	report, err := h.sweeper.WithdrawExpired(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type ruleResponse struct {
	Variant  string    `json:"variant"`
	Rule     rule.Rule `json:"rule"`
	Created  bool      `json:"created,omitempty"`
	Warnings []string  `json:"warnings,omitempty"`
}

func newRuleResponse(res *lifecycle.Result) ruleResponse {
	return ruleResponse{Variant: res.Rule.Variant().String(), Rule: res.Rule, Created: res.Created, Warnings: res.Warnings}
}

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request, _ rule.Caller) {
	v, err := rule.ParseVariant(r.PathValue("variant"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	rules, err := h.store.Rules(r.Context(), v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (h *Handler) getRule(w http.ResponseWriter, r *http.Request, _ rule.Caller) {
	v, id, ok := ruleRef(w, r)
	if !ok {
		return
	}
	rl, err := h.store.Rule(r.Context(), v, id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rl)
}

func (h *Handler) createRule(w http.ResponseWriter, r *http.Request, c rule.Caller) {
	v, err := rule.ParseVariant(r.PathValue("variant"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	rl, err := rule.New(v)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if !decode(w, r, rl) {
		return
	}
	if rl.ExpiresAt().IsZero() {
		writeError(w, http.StatusBadRequest, errors.New("expires is required"))
		return
	}
	if len(rl.Prefixes()) == 0 && v == rule.VariantRTBH {
		writeError(w, http.StatusBadRequest, errors.New("rtbh rule needs an ipv4 or ipv6 prefix"))
		return
	}

	res, err := h.lifecycle.Create(r.Context(), c, rl)
	if err != nil {
		writeFailure(w, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, newRuleResponse(res))
}

func (h *Handler) reactivateRule(w http.ResponseWriter, r *http.Request, c rule.Caller) {
	v, id, ok := ruleRef(w, r)
	if !ok {
		return
	}
	var body struct {
		Expires time.Time `json:"expires"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Expires.IsZero() {
		writeError(w, http.StatusBadRequest, errors.New("expires is required"))
		return
	}
	res, err := h.lifecycle.Reactivate(r.Context(), c, v, id, body.Expires)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newRuleResponse(res))
}

func (h *Handler) deleteRule(w http.ResponseWriter, r *http.Request, c rule.Caller) {
	v, id, ok := ruleRef(w, r)
	if !ok {
		return
	}
	res, err := h.lifecycle.Delete(r.Context(), c, v, id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newRuleResponse(res))
}

func (h *Handler) pushToAppliance(w http.ResponseWriter, r *http.Request, c rule.Caller) {
	v, id, ok := ruleRef(w, r)
	if !ok {
		return
	}
	var body struct {
		PresetID *int64 `json:"preset_id"`
	}
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	res, err := h.lifecycle.PushToAppliance(r.Context(), c, v, id, body.PresetID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newRuleResponse(res))
}

func (h *Handler) removeFromAppliance(w http.ResponseWriter, r *http.Request, c rule.Caller) {
	v, id, ok := ruleRef(w, r)
	if !ok {
		return
	}
	res, err := h.lifecycle.RemoveFromAppliance(r.Context(), c, v, id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newRuleResponse(res))
}

func (h *Handler) applianceStatus(w http.ResponseWriter, r *http.Request, c rule.Caller) {
	v, id, ok := ruleRef(w, r)
	if !ok {
		return
	}
	status, res, err := h.lifecycle.ApplianceStatus(r.Context(), c, v, id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status   map[string]any `json:"status,omitempty"`
		Warnings []string       `json:"warnings,omitempty"`
	}{Status: statusFields(status), Warnings: res.Warnings})
}

func statusFields(s *ddp.RuleStatus) map[string]any {
	if s == nil {
		return nil
	}
	return s.Fields
}

func (h *Handler) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.store.Devices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (h *Handler) createDevice(w http.ResponseWriter, r *http.Request) {
	var d rule.DDPDevice
	if !decode(w, r, &d) {
		return
	}
	if d.Name == "" || d.URL == "" {
		writeError(w, http.StatusBadRequest, errors.New("name and url are required"))
		return
	}
	d.ID = 0
	if err := h.store.CreateDevice(r.Context(), &d); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *Handler) updateDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var d rule.DDPDevice
	if !decode(w, r, &d) {
		return
	}
	d.ID = id
	if err := h.store.UpdateDevice(r.Context(), &d); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) deleteDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteDevice(r.Context(), id); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listPresets(w http.ResponseWriter, r *http.Request) {
	presets, err := h.store.Presets(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, presets)
}

func (h *Handler) createPreset(w http.ResponseWriter, r *http.Request) {
	var p rule.DDPRulePreset
	if !decode(w, r, &p) {
		return
	}
	if p.Name == "" {
		writeError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}
	p.ID = 0
	if err := h.store.CreatePreset(r.Context(), &p); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) updatePreset(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var in rule.DDPRulePreset
	if !decode(w, r, &in) {
		return
	}
	p, err := h.store.UpdatePreset(r.Context(), id, in)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) deletePreset(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.store.DeletePreset(r.Context(), id); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func ruleRef(w http.ResponseWriter, r *http.Request) (rule.Variant, int64, bool) {
	v, err := rule.ParseVariant(r.PathValue("variant"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return 0, 0, false
	}
	id, ok := pathID(w, r)
	return v, id, ok
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, errors.New("invalid id"))
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

// writeFailure maps an operation error to its response status.
func writeFailure(w http.ResponseWriter, err error) {
	var (
		connErr  *ddp.ConnectionError
		protoErr *ddp.ProtocolError
	)
	switch {
	case errors.Is(err, lifecycle.ErrForbidden), errors.Is(err, lifecycle.ErrOutsideRanges):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, ddp.ErrDuplicateBinding), errors.Is(err, ddp.ErrNotBound),
		errors.Is(err, store.ErrStaleRow), errors.Is(err, store.ErrDuplicateRule):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, lifecycle.ErrNotFlowspec):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, ddp.ErrNoDevice):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.As(err, &connErr), errors.As(err, &protoErr):
		writeError(w, http.StatusBadGateway, err)
	default:
		slog.Error("request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", slog.String("error", err.Error()))
	}
}
