// Package api is the thin HTTP ingress of spec.md §6. It is deliberately minimal
// per spec Non-goals: decode JSON, call the Pipeline Controller, map bundlerr.Kind to
// a status code, encode JSON. The teacher's own "ingress" is a CLI argv/env dispatch
// in cmd/arcsign/main.go rather than a network listener; std net/http's ServeMux is
// the idiomatic-for-this-pack choice for a layer the spec names but does not ask us
// to build a framework around — no router dependency is introduced.
package api

import (
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/priofree/bundler/pkg/bundler"
	"github.com/priofree/bundler/pkg/bundler/bundlerr"
	"github.com/priofree/bundler/pkg/bundler/ledger"
	"github.com/priofree/bundler/pkg/bundler/pipeline"
)

// version is set at build time via -ldflags; "dev" is the fallback for local runs.
var version = "dev"

// Logger is the minimal surface handlers need, matching tracker.Logger/config.Logger.
type Logger interface {
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
}

// Server wires the Pipeline Controller to the HTTP surface of spec.md §6.
// defaultSubmitRateLimit bounds POST /bundles per remote address: 30 submissions
// per 10-second sliding window, backing the Overloaded kind of spec.md §7.
const (
	defaultSubmitRateLimitAttempts = 30
	defaultSubmitRateLimitWindow   = 10 * time.Second
)

type Server struct {
	controller *pipeline.Controller
	led        ledger.Ledger
	log        Logger
	killed     *atomic.Bool // shared with pipeline.Controller via SetKillswitch
	onReload   func() error
	limiter    *rateLimiter
}

// New builds a Server. killed is the same flag toggled by POST /killswitch and read
// by GET /healthz; the Pipeline Controller owns its own copy internally and is kept
// in sync via SetKillswitch on every toggle.
func New(controller *pipeline.Controller, led ledger.Ledger, log Logger) *Server {
	return &Server{
		controller: controller,
		led:        led,
		log:        log,
		killed:     new(atomic.Bool),
		limiter:    newRateLimiter(defaultSubmitRateLimitAttempts, defaultSubmitRateLimitWindow),
	}
}

// SetReloadHook registers the callback POST /config/reload invokes, normally
// wired by cmd/bundlerd to re-run config.Load and swap the Pipeline Controller's
// config source.
func (s *Server) SetReloadHook(hook func() error) {
	s.onReload = hook
}

// Mux builds the ServeMux described in spec.md §6.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /bundles", s.handleSubmit)
	mux.HandleFunc("GET /bundles/{id}", s.handleGet)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /config/reload", s.handleConfigReload)
	mux.HandleFunc("POST /killswitch", s.handleKillswitch)
	return mux
}

type paymentRequest struct {
	Mode         string `json:"mode"`
	Formula      string `json:"formula"`
	MaxAmountWei string `json:"maxAmountWei"`
	Expiry       string `json:"expiry"`
}

type submitRequestBody struct {
	Tx1         string         `json:"tx1"`
	Payment     paymentRequest `json:"payment"`
	TargetBlock *uint64        `json:"target_block,omitempty"`
	Targets     *struct {
		Blocks []uint64 `json:"blocks"`
	} `json:"targets,omitempty"`
}

type submitResponseBody struct {
	BundleID string `json:"bundleId"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.allow(r.RemoteAddr) {
		writeError(w, bundlerr.New(bundlerr.Overloaded, "too many submissions from this client, slow down"))
		return
	}

	var body submitRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, bundlerr.New(bundlerr.InvalidTransaction, "malformed request body"))
		return
	}

	raw, err := decodeTxHex(body.Tx1)
	if err != nil {
		writeError(w, bundlerr.New(bundlerr.InvalidTransaction, "tx1 must be 0x-prefixed hex"))
		return
	}

	req := pipeline.SubmitRequest{Tx1Raw: raw}
	if body.Payment.MaxAmountWei != "" {
		amt, ok := new(big.Int).SetString(body.Payment.MaxAmountWei, 10)
		if !ok {
			writeError(w, bundlerr.New(bundlerr.InvalidTransaction, "payment.maxAmountWei is not a valid decimal integer"))
			return
		}
		req.MaxAmount = amt
	}
	if body.Payment.Expiry != "" {
		exp, err := time.Parse(time.RFC3339, body.Payment.Expiry)
		if err != nil {
			writeError(w, bundlerr.New(bundlerr.InvalidTransaction, "payment.expiry is not a valid RFC3339 timestamp"))
			return
		}
		req.ExplicitExp = &exp
	}

	id, err := s.controller.Submit(r.Context(), req)
	if err != nil {
		s.log.Warnw("api: submit rejected", "error", err)
		writeError(w, err)
		return
	}

	s.log.Infow("api: bundle accepted", "bundle_id", id)
	writeJSON(w, http.StatusOK, submitResponseBody{BundleID: string(id)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := bundler.BundleID(r.PathValue("id"))
	v, err := s.controller.Status(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type healthzComponents struct {
	Database   string `json:"database"`
	Killswitch string `json:"killswitch"`
}

type healthzBody struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Timestamp  time.Time         `json:"timestamp"`
	Components healthzComponents `json:"components"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbStatus := "ok"
	if _, err := s.led.ListActive(r.Context()); err != nil {
		dbStatus = "error"
	}

	ksStatus := "off"
	if s.killed.Load() {
		ksStatus = "on"
	}

	status := "ok"
	if dbStatus != "ok" {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, healthzBody{
		Status:    status,
		Version:   version,
		Timestamp: time.Now().UTC(),
		Components: healthzComponents{
			Database:   dbStatus,
			Killswitch: ksStatus,
		},
	})
}

// handleConfigReload runs the hook cmd/bundlerd registered via SetReloadHook, which
// re-runs config.Load and swaps the Pipeline Controller's config source. This is the
// explicit admin-triggered counterpart to internal/config.Watch's best-effort
// filesystem watch — both end up calling config.Load, but this path always runs.

func (s *Server) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	if s.onReload != nil {
		if err := s.onReload(); err != nil {
			writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

type killswitchRequestBody struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleKillswitch(w http.ResponseWriter, r *http.Request) {
	var body killswitchRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, bundlerr.New(bundlerr.InvalidTransaction, "malformed request body"))
		return
	}
	s.killed.Store(body.Enabled)
	s.controller.SetKillswitch(body.Enabled)
	s.log.Infow("api: killswitch toggled", "enabled", body.Enabled)
	w.WriteHeader(http.StatusNoContent)
}

func decodeTxHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// errorBody is the JSON shape for every non-2xx response.
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := bundlerr.KindOf(err)
	writeJSON(w, statusFor(kind), errorBody{Kind: string(kind), Message: err.Error()})
}

// statusFor maps a Kind to the status table of spec.md §7.
func statusFor(kind bundlerr.Kind) int {
	switch kind {
	case bundlerr.PaymentCapExceeded, bundlerr.DailyCapExceeded, bundlerr.StateConflict:
		return http.StatusConflict
	case bundlerr.Overloaded:
		return http.StatusTooManyRequests
	case bundlerr.ServiceDisabled:
		return http.StatusServiceUnavailable
	case bundlerr.InvalidTransaction, bundlerr.PriorityFeeNonZero, bundlerr.ChainIDMismatch,
		bundlerr.SimulationReverted, bundlerr.ConfigError:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
