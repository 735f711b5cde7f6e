// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

// Package server exposes the coordination service over HTTP. The protocol
// follows the conventions of http-based remote state backends: custom LOCK
// and UNLOCK methods, lock info exchanged as JSON, 423 Locked when a
// competing holder exists, and 409 Conflict for stale-serial commits.
//
// Routes place the state key last so keys may contain slashes:
//
//	GET    /state/<key>           fetch current payload
//	POST   /state/<key>?ID=&serial=  commit a new version
//	LOCK   /state/<key>           acquire the key's lock
//	UNLOCK /state/<key>           release the key's lock
//	GET    /lock/<key>            show the current lock
//	POST   /renew/<key>           renew a lease
//	POST   /force-unlock/<key>    administrative force release
//	GET    /history/<key>         list version metadata
//	POST   /restore/<key>         re-commit a prior serial
//	POST   /prune/<key>           apply a retention policy
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/stateward/stateward/internal/audit"
	"github.com/stateward/stateward/internal/coordinator"
	"github.com/stateward/stateward/internal/ledger"
	"github.com/stateward/stateward/internal/lockmgr"
	"github.com/stateward/stateward/internal/statekey"
)

const (
	headerSerial      = "X-Stateward-Serial"
	headerFingerprint = "X-Stateward-Fingerprint"
	headerRequestID   = "X-Stateward-Request-Id"

	maxPayloadBytes = 64 << 20
)

// Server handles the HTTP API. Token, when non-empty, requires callers to
// present it as a bearer token; requests failing that are denied before
// touching any state.
type Server struct {
	locks  *lockmgr.Manager
	ledger *ledger.Ledger
	coord  *coordinator.Coordinator
	audit  audit.Log
	log    hclog.Logger

	token string
}

func New(locks *lockmgr.Manager, led *ledger.Ledger, coord *coordinator.Coordinator, auditLog audit.Log, logger hclog.Logger, token string) *Server {
	if auditLog == nil {
		auditLog = audit.NewMemLog()
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{locks: locks, ledger: led, coord: coord, audit: auditLog, log: logger, token: token}
}

// Handler returns the root handler, with request id and auth middleware
// applied.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set(headerRequestID, reqID)
		logger := s.log.With("request_id", reqID, "method", r.Method, "path", r.URL.Path)

		if !s.authorized(r) {
			logger.Warn("request denied")
			s.writeError(w, "", coordinator.ErrPermissionDenied)
			return
		}

		start := time.Now()
		s.route(w, r)
		logger.Debug("request handled", "duration", time.Since(start))
	})
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	prefix, rawKey, ok := splitRoute(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	key, err := statekey.Parse(rawKey)
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "bad-request"})
		return
	}

	switch {
	case prefix == "state" && r.Method == http.MethodGet:
		s.handleGetState(w, r, key)
	case prefix == "state" && r.Method == http.MethodPost:
		s.handleCommit(w, r, key)
	case prefix == "state" && r.Method == "LOCK":
		s.handleLock(w, r, key)
	case prefix == "state" && r.Method == "UNLOCK":
		s.handleUnlock(w, r, key)
	case prefix == "lock" && r.Method == http.MethodGet:
		s.handleShowLock(w, r, key)
	case prefix == "renew" && r.Method == http.MethodPost:
		s.handleRenew(w, r, key)
	case prefix == "force-unlock" && r.Method == http.MethodPost:
		s.handleForceUnlock(w, r, key)
	case prefix == "history" && r.Method == http.MethodGet:
		s.handleHistory(w, r, key)
	case prefix == "restore" && r.Method == http.MethodPost:
		s.handleRestore(w, r, key)
	case prefix == "prune" && r.Method == http.MethodPost:
		s.handlePrune(w, r, key)
	default:
		s.writeStatus(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed", Code: "bad-request"})
	}
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request, key statekey.Key) {
	v, err := s.ledger.Current(r.Context(), key.String())
	if errors.Is(err, ledger.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeError(w, key.String(), err)
		return
	}
	payload, err := s.ledger.Payload(r.Context(), v)
	if err != nil {
		s.writeError(w, key.String(), err)
		return
	}
	w.Header().Set(headerSerial, strconv.FormatUint(v.Serial, 10))
	w.Header().Set(headerFingerprint, v.Fingerprint)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request, key statekey.Key) {
	lockID := r.URL.Query().Get("ID")
	baseSerial, err := strconv.ParseUint(r.URL.Query().Get("serial"), 10, 64)
	if err != nil && r.URL.Query().Get("serial") != "" {
		s.writeStatus(w, http.StatusBadRequest, errorBody{Error: "invalid serial", Code: "bad-request"})
		return
	}
	who := r.URL.Query().Get("who")

	current, lockErr := s.locks.Current(r.Context(), key.String())
	if lockErr != nil {
		s.writeError(w, key.String(), lockErr)
		return
	}
	if current == nil || current.ID != lockID {
		body := lockRequiredBody(current)
		s.writeStatus(w, http.StatusLocked, body)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("failed to read payload: %s", err), Code: "bad-request"})
		return
	}

	v, err := s.ledger.Commit(r.Context(), key.String(), baseSerial, payload, who)
	if err != nil {
		var conflict *ledger.ConflictError
		if errors.As(err, &conflict) {
			s.appendAudit(r, key.String(), lockID, who, audit.ActionWrite, audit.OutcomeDenied, conflict.Error())
			s.writeStatus(w, http.StatusConflict, conflictBody{
				Error:         conflict.Error(),
				Code:          string(coordinator.CodeConcurrentModification),
				CurrentSerial: conflict.CurrentSerial,
			})
			return
		}
		s.appendAudit(r, key.String(), lockID, who, audit.ActionWrite, audit.OutcomeError, err.Error())
		s.writeError(w, key.String(), err)
		return
	}
	s.appendAudit(r, key.String(), lockID, who, audit.ActionWrite, audit.OutcomeSuccess, fmt.Sprintf("serial %d", v.Serial))
	s.writeStatus(w, http.StatusOK, v)
}

type lockRequest struct {
	Who          string `json:"who"`
	Operation    string `json:"operation"`
	LeaseSeconds int    `json:"lease_seconds,omitempty"`
	WaitSeconds  int    `json:"wait_seconds,omitempty"`
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request, key statekey.Key) {
	var req lockRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	op := lockmgr.OpManual
	if req.Operation != "" {
		var err error
		op, err = lockmgr.ParseOperation(req.Operation)
		if err != nil {
			s.writeStatus(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "bad-request"})
			return
		}
	}

	info, err := s.locks.Acquire(r.Context(), key.String(), lockmgr.AcquireOptions{
		Who:           req.Who,
		Operation:     op,
		LeaseDuration: time.Duration(req.LeaseSeconds) * time.Second,
		WaitTimeout:   time.Duration(req.WaitSeconds) * time.Second,
	})
	if err != nil {
		var lockErr *lockmgr.LockError
		if errors.As(err, &lockErr) || errors.Is(err, lockmgr.ErrLockWaitTimeout) {
			var held *lockmgr.LockInfo
			if errors.As(err, &lockErr) && lockErr.Info != nil {
				held = lockErr.Info
			}
			s.writeStatus(w, http.StatusLocked, lockDeniedBody{
				Error:   err.Error(),
				Code:    string(coordinator.CodeFor(err)),
				Current: held,
			})
			return
		}
		s.writeError(w, key.String(), err)
		return
	}
	s.writeStatus(w, http.StatusOK, info)
}

type unlockRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request, key statekey.Key) {
	var req unlockRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	err := s.locks.Release(r.Context(), key.String(), req.ID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, lockmgr.ErrNotHeld), errors.Is(err, lockmgr.ErrLockMismatch):
		s.writeStatus(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "not-held"})
	default:
		s.writeError(w, key.String(), err)
	}
}

func (s *Server) handleShowLock(w http.ResponseWriter, r *http.Request, key statekey.Key) {
	info, err := s.locks.Current(r.Context(), key.String())
	if err != nil {
		s.writeError(w, key.String(), err)
		return
	}
	if info == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	s.writeStatus(w, http.StatusOK, info)
}

type renewRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request, key statekey.Key) {
	var req renewRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	err := s.locks.Renew(r.Context(), key.String(), req.ID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, lockmgr.ErrLeaseExpired):
		s.writeStatus(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "lease-expired"})
	default:
		s.writeError(w, key.String(), err)
	}
}

type forceUnlockRequest struct {
	ID     string `json:"id"`
	Who    string `json:"who"`
	Reason string `json:"reason"`
}

func (s *Server) handleForceUnlock(w http.ResponseWriter, r *http.Request, key statekey.Key) {
	var req forceUnlockRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	err := s.locks.ForceRelease(r.Context(), key.String(), req.ID, req.Who, req.Reason)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, lockmgr.ErrLockMismatch), errors.Is(err, lockmgr.ErrNotHeld):
		s.writeStatus(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "mismatch"})
	default:
		s.writeError(w, key.String(), err)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, key statekey.Key) {
	opts := ledger.HistoryOptions{
		OldestFirst: r.URL.Query().Get("order") == "oldest",
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			s.writeStatus(w, http.StatusBadRequest, errorBody{Error: "invalid limit", Code: "bad-request"})
			return
		}
		opts.Limit = limit
	}
	if v := r.URL.Query().Get("after"); v != "" {
		after, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.writeStatus(w, http.StatusBadRequest, errorBody{Error: "invalid after serial", Code: "bad-request"})
			return
		}
		opts.AfterSerial = after
	}

	versions, err := s.ledger.History(r.Context(), key.String(), opts)
	if errors.Is(err, ledger.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeError(w, key.String(), err)
		return
	}
	s.writeStatus(w, http.StatusOK, versions)
}

type restoreRequest struct {
	TargetSerial uint64 `json:"target_serial"`
	Who          string `json:"who"`
	Reason       string `json:"reason"`
	WaitSeconds  int    `json:"wait_seconds,omitempty"`
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request, key statekey.Key) {
	var req restoreRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	v, err := s.coord.Restore(r.Context(), key.String(), coordinator.SessionOptions{
		Who:         req.Who,
		Operation:   lockmgr.OpManual,
		WaitTimeout: time.Duration(req.WaitSeconds) * time.Second,
	}, req.TargetSerial, req.Reason)
	if err != nil {
		s.writeError(w, key.String(), err)
		return
	}
	s.writeStatus(w, http.StatusOK, v)
}

type pruneRequest struct {
	KeepLast      int    `json:"keep_last"`
	MinAgeSeconds int    `json:"min_age_seconds"`
	Who           string `json:"who"`
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request, key statekey.Key) {
	var req pruneRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	removed, err := s.coord.Prune(r.Context(), key.String(), coordinator.SessionOptions{
		Who:       req.Who,
		Operation: lockmgr.OpManual,
	}, ledger.RetentionPolicy{
		KeepLast: req.KeepLast,
		MinAge:   time.Duration(req.MinAgeSeconds) * time.Second,
	})
	if err != nil {
		s.writeError(w, key.String(), err)
		return
	}
	s.writeStatus(w, http.StatusOK, map[string]int{"removed": removed})
}

type errorBody struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	Diagnostic string `json:"diagnostic,omitempty"`
}

type conflictBody struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	CurrentSerial uint64 `json:"current_serial"`
}

type lockDeniedBody struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Current *lockmgr.LockInfo `json:"current,omitempty"`
}

func lockRequiredBody(current *lockmgr.LockInfo) lockDeniedBody {
	if current == nil {
		return lockDeniedBody{
			Error: "commit requires holding the state lock",
			Code:  string(coordinator.CodeLockDenied),
		}
	}
	return lockDeniedBody{
		Error:   "lock id does not match the current lock",
		Code:    string(coordinator.CodeLockDenied),
		Current: current,
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.token
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(into); err != nil {
		s.writeStatus(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid request body: %s", err), Code: "bad-request"})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, key string, err error) {
	code := coordinator.CodeFor(err)
	status := http.StatusInternalServerError
	switch code {
	case coordinator.CodePermissionDenied:
		status = http.StatusForbidden
	case coordinator.CodeNotFound:
		status = http.StatusNotFound
	case coordinator.CodeStorageUnavailable:
		status = http.StatusServiceUnavailable
	case coordinator.CodeLockDenied, coordinator.CodeLockTimeout:
		status = http.StatusLocked
	case coordinator.CodeConcurrentModification:
		status = http.StatusConflict
	}
	s.writeStatus(w, status, errorBody{
		Error:      err.Error(),
		Code:       string(code),
		Diagnostic: coordinator.Diagnose(key, err),
	})
}

func (s *Server) writeStatus(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			s.log.Error("failed to encode response body", "error", err)
		}
	}
}

func (s *Server) appendAudit(r *http.Request, key, lockID, who string, action audit.Action, outcome audit.Outcome, detail string) {
	if err := s.audit.Append(r.Context(), audit.Record{
		Key: key, LockID: lockID, Who: who, Action: action, Outcome: outcome, Detail: detail,
	}); err != nil {
		s.log.Error("failed to append audit record", "key", key, "action", action, "error", err)
	}
}

// splitRoute splits "/<prefix>/<key...>" into its parts.
func splitRoute(path string) (prefix, key string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	prefix, key, ok = strings.Cut(trimmed, "/")
	if !ok || key == "" {
		return "", "", false
	}
	return prefix, key, true
}
