// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

// Package client is the Go client for the stateward HTTP API. It mirrors
// the server's protocol: custom LOCK and UNLOCK methods, JSON lock info,
// 423 for held locks, 409 for stale-serial commits. Transport-level
// retries are handled by retryablehttp; protocol-level contention is
// returned to the caller, never retried here.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	retryablehttp "github.com/hashicorp/go-retryablehttp"

	"github.com/stateward/stateward/internal/blob"
	"github.com/stateward/stateward/internal/ledger"
	"github.com/stateward/stateward/internal/lockmgr"
)

// State is a fetched snapshot.
type State struct {
	Serial      uint64
	Fingerprint string
	Data        []byte
}

// Client talks to one stateward server.
type Client struct {
	base  *url.URL
	http  *retryablehttp.Client
	token string
}

// Config configures a Client.
type Config struct {
	// Address is the server base URL, e.g. "http://127.0.0.1:8420".
	Address string

	// Token, when non-empty, is sent as a bearer token.
	Token string

	// RetryMax bounds transport-level retries; zero means the
	// retryablehttp default.
	RetryMax int
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", cfg.Address, err)
	}
	rc := retryablehttp.NewClient()
	rc.HTTPClient = cleanhttp.DefaultPooledClient()
	rc.Logger = nil
	if cfg.RetryMax > 0 {
		rc.RetryMax = cfg.RetryMax
	}
	return &Client{base: base, http: rc, token: cfg.Token}, nil
}

// GetState fetches the current version of key, or (nil, nil) when the key
// has never been written.
func (c *Client) GetState(ctx context.Context, key string) (*State, error) {
	resp, err := c.do(ctx, http.MethodGet, c.url("state", key), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Handled below.
	case http.StatusNotFound, http.StatusNoContent:
		return nil, nil
	default:
		return nil, c.protocolError(resp, "get state")
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read state payload: %w", err)
	}
	serial, _ := strconv.ParseUint(resp.Header.Get("X-Stateward-Serial"), 10, 64)
	fingerprint := resp.Header.Get("X-Stateward-Fingerprint")
	if fingerprint != "" && blob.Fingerprint(data) != fingerprint {
		return nil, fmt.Errorf("%w: state payload for %q does not match served fingerprint", blob.ErrCorrupt, key)
	}
	return &State{Serial: serial, Fingerprint: fingerprint, Data: data}, nil
}

// Lock acquires the key's lock. On denial the returned error is a
// *lockmgr.LockError carrying the current holder.
func (c *Client) Lock(ctx context.Context, key, who string, op lockmgr.Operation, lease, wait time.Duration) (*lockmgr.LockInfo, error) {
	body := map[string]any{
		"who":           who,
		"operation":     string(op),
		"lease_seconds": int(lease / time.Second),
		"wait_seconds":  int(wait / time.Second),
	}
	resp, err := c.doJSON(ctx, "LOCK", c.url("state", key), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		info := &lockmgr.LockInfo{}
		if err := json.NewDecoder(resp.Body).Decode(info); err != nil {
			return nil, fmt.Errorf("failed to decode granted lock: %w", err)
		}
		return info, nil
	case http.StatusLocked, http.StatusConflict:
		var denied struct {
			Error   string            `json:"error"`
			Code    string            `json:"code"`
			Current *lockmgr.LockInfo `json:"current"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&denied); err != nil {
			return nil, &lockmgr.LockError{Err: fmt.Errorf("state locked, and the response body was unreadable: %w", err)}
		}
		if denied.Code == "lock-timeout" {
			return nil, fmt.Errorf("%w: %s", lockmgr.ErrLockWaitTimeout, denied.Error)
		}
		return nil, &lockmgr.LockError{Info: denied.Current, Err: fmt.Errorf("state locked: %s", denied.Error)}
	default:
		return nil, c.protocolError(resp, "lock")
	}
}

// Unlock cooperatively releases the lock.
func (c *Client) Unlock(ctx context.Context, key, id string) error {
	resp, err := c.doJSON(ctx, "UNLOCK", c.url("state", key), map[string]string{"id": id})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return lockmgr.ErrNotHeld
	default:
		return c.protocolError(resp, "unlock")
	}
}

// Renew extends the lease of a held lock.
func (c *Client) Renew(ctx context.Context, key, id string) error {
	resp, err := c.doJSON(ctx, http.MethodPost, c.url("renew", key), map[string]string{"id": id})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return lockmgr.ErrLeaseExpired
	default:
		return c.protocolError(resp, "renew")
	}
}

// ForceUnlock clears the lock administratively; id and reason are both
// required by the server.
func (c *Client) ForceUnlock(ctx context.Context, key, id, who, reason string) error {
	resp, err := c.doJSON(ctx, http.MethodPost, c.url("force-unlock", key), map[string]string{
		"id": id, "who": who, "reason": reason,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return lockmgr.ErrLockMismatch
	default:
		return c.protocolError(resp, "force unlock")
	}
}

// CommitState pushes a new payload. baseSerial must be the serial the
// caller last read; a stale serial returns a *ledger.ConflictError.
func (c *Client) CommitState(ctx context.Context, key, lockID string, baseSerial uint64, who string, payload []byte) (*ledger.Version, error) {
	u := c.url("state", key)
	q := u.Query()
	q.Set("ID", lockID)
	q.Set("serial", strconv.FormatUint(baseSerial, 10))
	q.Set("who", who)
	u.RawQuery = q.Encode()

	resp, err := c.do(ctx, http.MethodPost, u, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		v := &ledger.Version{}
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return nil, fmt.Errorf("failed to decode committed version: %w", err)
		}
		return v, nil
	case http.StatusConflict:
		var conflict struct {
			Error         string `json:"error"`
			CurrentSerial uint64 `json:"current_serial"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&conflict); err != nil {
			return nil, fmt.Errorf("commit conflicted and the response body was unreadable: %w", err)
		}
		return nil, &ledger.ConflictError{Key: key, BaseSerial: baseSerial, CurrentSerial: conflict.CurrentSerial}
	case http.StatusLocked:
		return nil, fmt.Errorf("commit rejected: lock %q is not the current lock on %q", lockID, key)
	default:
		return nil, c.protocolError(resp, "commit state")
	}
}

// History lists version metadata for key.
func (c *Client) History(ctx context.Context, key string, oldestFirst bool, limit int, afterSerial uint64) ([]ledger.Version, error) {
	u := c.url("history", key)
	q := u.Query()
	if oldestFirst {
		q.Set("order", "oldest")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if afterSerial > 0 {
		q.Set("after", strconv.FormatUint(afterSerial, 10))
	}
	u.RawQuery = q.Encode()

	resp, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		var versions []ledger.Version
		if err := json.NewDecoder(resp.Body).Decode(&versions); err != nil {
			return nil, fmt.Errorf("failed to decode history: %w", err)
		}
		return versions, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w for %q", ledger.ErrNotFound, key)
	default:
		return nil, c.protocolError(resp, "history")
	}
}

// Restore re-commits the payload of targetSerial as a new version.
func (c *Client) Restore(ctx context.Context, key string, targetSerial uint64, who, reason string) (*ledger.Version, error) {
	resp, err := c.doJSON(ctx, http.MethodPost, c.url("restore", key), map[string]any{
		"target_serial": targetSerial,
		"who":           who,
		"reason":        reason,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.protocolError(resp, "restore")
	}
	v := &ledger.Version{}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return nil, fmt.Errorf("failed to decode restored version: %w", err)
	}
	return v, nil
}

func (c *Client) url(prefix, key string) *url.URL {
	u := *c.base
	u.Path = "/" + prefix + "/" + key
	return &u
}

func (c *Client) doJSON(ctx context.Context, method string, u *url.URL, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	return c.do(ctx, method, u, data)
}

func (c *Client) do(ctx context.Context, method string, u *url.URL, body []byte) (*http.Response, error) {
	var reader io.ReadSeeker
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	log.Printf("[DEBUG] stateward client: %s %s", method, u.Path)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to stateward server failed: %w", err)
	}
	return resp, nil
}

func (c *Client) protocolError(resp *http.Response, what string) error {
	var body struct {
		Error      string `json:"error"`
		Code       string `json:"code"`
		Diagnostic string `json:"diagnostic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		if body.Diagnostic != "" {
			return fmt.Errorf("failed to %s (%s): %s. %s", what, body.Code, body.Error, body.Diagnostic)
		}
		return fmt.Errorf("failed to %s (%s): %s", what, body.Code, body.Error)
	}
	return fmt.Errorf("failed to %s: unexpected HTTP response code %d", what, resp.StatusCode)
}
