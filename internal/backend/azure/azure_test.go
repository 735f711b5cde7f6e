// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

package azure

import (
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"github.com/stateward/stateward/internal/backend"
)

func TestBackend_impl(t *testing.T) {
	var _ backend.Backend = (*Backend)(nil)
}

func TestClassify(t *testing.T) {
	for _, code := range []int{
		http.StatusInternalServerError,
		http.StatusServiceUnavailable,
		http.StatusTooManyRequests,
	} {
		err := classify(&azcore.ResponseError{StatusCode: code})
		if !errors.Is(err, backend.ErrUnavailable) {
			t.Errorf("status %d not classified as unavailable", code)
		}
	}
	if errors.Is(classify(&azcore.ResponseError{StatusCode: http.StatusForbidden}), backend.ErrUnavailable) {
		t.Error("403 classified as transient")
	}
	if errors.Is(classify(errors.New("plain")), backend.ErrUnavailable) {
		t.Error("non-response error classified as transient")
	}
}
