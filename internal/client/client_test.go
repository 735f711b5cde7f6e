// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stateward/stateward/internal/blob"
)

func TestGetStateVerifiesFingerprint(t *testing.T) {
	payload := []byte("the real payload")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Stateward-Serial", "3")
		// A fingerprint for different content, as a tampering proxy or
		// corrupted cache would produce.
		w.Header().Set("X-Stateward-Fingerprint", blob.Fingerprint([]byte("something else")))
		_, _ = w.Write(payload)
	}))
	defer ts.Close()

	c, err := New(Config{Address: ts.URL, RetryMax: 1})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.GetState(context.Background(), "prod/app")
	if !errors.Is(err, blob.ErrCorrupt) {
		t.Fatalf("got %v, want ErrCorrupt", err)
	}
}

func TestGetStateAcceptsMatchingFingerprint(t *testing.T) {
	payload := []byte("the real payload")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Stateward-Serial", "7")
		w.Header().Set("X-Stateward-Fingerprint", blob.Fingerprint(payload))
		_, _ = w.Write(payload)
	}))
	defer ts.Close()

	c, err := New(Config{Address: ts.URL, RetryMax: 1})
	if err != nil {
		t.Fatal(err)
	}
	state, err := c.GetState(context.Background(), "prod/app")
	if err != nil {
		t.Fatal(err)
	}
	if state.Serial != 7 || string(state.Data) != string(payload) {
		t.Fatalf("state = %+v", state)
	}
}

func TestProtocolErrorIncludesDiagnostic(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error": "nope", "code": "permission-denied", "diagnostic": "Contact an administrator."}`))
	}))
	defer ts.Close()

	c, err := New(Config{Address: ts.URL, RetryMax: 1})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.GetState(context.Background(), "prod/app")
	if err == nil {
		t.Fatal("expected an error")
	}
	for _, want := range []string{"permission-denied", "nope", "Contact an administrator."} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not include %q", err, want)
		}
	}
}
