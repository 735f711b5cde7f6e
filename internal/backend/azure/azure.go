// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

// Package azure stores objects as block blobs in an Azure Storage
// container and arbitrates locks with blob leases. The lock id doubles as
// the proposed lease id (both are GUIDs), and the holder's lock info is
// kept base64-encoded in the lock blob's metadata for diagnostic display,
// since lease state itself carries no identity.
package azure

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"

	"github.com/stateward/stateward/internal/backend"
	"github.com/stateward/stateward/internal/lockmgr"
)

const lockInfoMetaKey = "statewardlockinfo"

// Azure leases are limited to 15-60 seconds unless infinite; leases back a
// longer application-level lease by being taken infinite and broken only
// through ForceUnlock.
const leaseDurationInfinite = -1

// Backend implements backend.Backend over an Azure Storage container.
type Backend struct {
	container *container.Client
	prefix    string
}

var _ backend.Backend = (*Backend)(nil)

func New(containerClient *container.Client, prefix string) *Backend {
	if prefix != "" {
		prefix += "/"
	}
	return &Backend{container: containerClient, prefix: prefix}
}

func (b *Backend) Get(ctx context.Context, name string) ([]byte, error) {
	resp, err := b.container.NewBlockBlobClient(b.prefix+name).DownloadStream(ctx, nil)
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, classify(fmt.Errorf("failed to download azure blob %q: %w", name, err))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to read azure blob %q: %w", name, err))
	}
	return data, nil
}

func (b *Backend) Put(ctx context.Context, name string, data []byte) error {
	_, err := b.container.NewBlockBlobClient(b.prefix+name).UploadBuffer(ctx, data, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to upload azure blob %q: %w", name, err))
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, name string) error {
	_, err := b.container.NewBlockBlobClient(b.prefix+name).Delete(ctx, nil)
	if err != nil && !notFound(err) {
		return classify(fmt.Errorf("failed to delete azure blob %q: %w", name, err))
	}
	return nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	pager := b.container.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix: to.Ptr(b.prefix + prefix),
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classify(fmt.Errorf("failed to list azure blobs under %q: %w", prefix, err))
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			names = append(names, (*item.Name)[len(b.prefix):])
		}
	}
	return names, nil
}

func (b *Backend) TryLock(ctx context.Context, key string, info *lockmgr.LockInfo) error {
	blobClient := b.lockBlob(key)

	// The lock blob must exist before a lease can be taken on it. The
	// creation is unconditional; the lease acquisition below is the
	// arbitration point.
	if _, err := blobClient.UploadBuffer(ctx, []byte{}, nil); err != nil && !leaseConflict(err) {
		return classify(fmt.Errorf("failed to ensure azure lock blob for %q: %w", key, err))
	}

	leaseClient, err := lease.NewBlobClient(blobClient, &lease.BlobClientOptions{
		LeaseID: to.Ptr(info.ID),
	})
	if err != nil {
		return fmt.Errorf("failed to build azure lease client for %q: %w", key, err)
	}
	if _, err := leaseClient.AcquireLease(ctx, leaseDurationInfinite, nil); err != nil {
		if leaseConflict(err) {
			current, infoErr := b.CurrentLock(ctx, key)
			if infoErr != nil {
				log.Printf("[WARN] failed to read azure lock metadata for %q: %v", key, infoErr)
			}
			return &lockmgr.LockError{Info: current, Err: err}
		}
		return classify(fmt.Errorf("failed to acquire azure lease for %q: %w", key, err))
	}

	if err := b.writeLockInfo(ctx, key, info, info.ID); err != nil {
		// Metadata write failed after the lease was won; back the lease out
		// so the slot isn't left occupied without holder identity.
		if _, rErr := leaseClient.ReleaseLease(ctx, nil); rErr != nil {
			log.Printf("[WARN] failed to release azure lease after metadata write failed for %q: %v", key, rErr)
		}
		return classify(err)
	}
	return nil
}

func (b *Backend) Renew(ctx context.Context, key, id string, expires time.Time) error {
	current, err := b.CurrentLock(ctx, key)
	if err != nil {
		return err
	}
	if current == nil || current.ID != id {
		return lockmgr.ErrLeaseExpired
	}
	current.Expires = expires
	// The infinite Azure lease needs no renewal call; only the recorded
	// application-level expiry moves.
	return b.writeLockInfo(ctx, key, current, id)
}

func (b *Backend) Unlock(ctx context.Context, key, id string) error {
	current, err := b.CurrentLock(ctx, key)
	if err != nil {
		return err
	}
	if current == nil {
		return lockmgr.ErrNotHeld
	}
	if current.ID != id {
		return lockmgr.ErrLockMismatch
	}

	if err := b.clearLockInfo(ctx, key, id); err != nil {
		return classify(err)
	}
	leaseClient, err := lease.NewBlobClient(b.lockBlob(key), &lease.BlobClientOptions{LeaseID: to.Ptr(id)})
	if err != nil {
		return fmt.Errorf("failed to build azure lease client for %q: %w", key, err)
	}
	if _, err := leaseClient.ReleaseLease(ctx, nil); err != nil {
		return classify(fmt.Errorf("failed to release azure lease for %q: %w", key, err))
	}
	return nil
}

func (b *Backend) ForceUnlock(ctx context.Context, key, id string) error {
	current, err := b.CurrentLock(ctx, key)
	if err != nil {
		return err
	}
	if current == nil {
		return lockmgr.ErrNotHeld
	}
	if current.ID != id {
		return lockmgr.ErrLockMismatch
	}

	// Break rather than release: breaking works without presenting the
	// lease id, which is exactly what recovering from a crashed holder
	// needs once the administrator has proven they know the lock id.
	leaseClient, err := lease.NewBlobClient(b.lockBlob(key), nil)
	if err != nil {
		return fmt.Errorf("failed to build azure lease client for %q: %w", key, err)
	}
	if _, err := leaseClient.BreakLease(ctx, &lease.BlobBreakOptions{BreakPeriod: to.Ptr(int32(0))}); err != nil && !notFound(err) {
		return classify(fmt.Errorf("failed to break azure lease for %q: %w", key, err))
	}
	if err := b.clearLockInfo(ctx, key, ""); err != nil {
		return classify(err)
	}
	return nil
}

func (b *Backend) CurrentLock(ctx context.Context, key string) (*lockmgr.LockInfo, error) {
	props, err := b.lockBlob(key).GetProperties(ctx, nil)
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, classify(fmt.Errorf("failed to read azure lock blob properties for %q: %w", key, err))
	}
	raw, ok := props.Metadata[lockInfoMetaKey]
	if !ok || raw == nil || *raw == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(*raw)
	if err != nil {
		return nil, fmt.Errorf("unreadable azure lock metadata for %q: %w", key, err)
	}
	info := &lockmgr.LockInfo{}
	if err := json.Unmarshal(data, info); err != nil {
		return nil, fmt.Errorf("unreadable azure lock metadata for %q: %w", key, err)
	}
	return info, nil
}

func (b *Backend) writeLockInfo(ctx context.Context, key string, info *lockmgr.LockInfo, leaseID string) error {
	encoded := base64.StdEncoding.EncodeToString(info.Marshal())
	opts := &blob.SetMetadataOptions{}
	if leaseID != "" {
		opts.AccessConditions = &blob.AccessConditions{
			LeaseAccessConditions: &blob.LeaseAccessConditions{LeaseID: to.Ptr(leaseID)},
		}
	}
	_, err := b.lockBlob(key).SetMetadata(ctx, map[string]*string{lockInfoMetaKey: to.Ptr(encoded)}, opts)
	if err != nil {
		return fmt.Errorf("failed to write azure lock metadata for %q: %w", key, err)
	}
	return nil
}

func (b *Backend) clearLockInfo(ctx context.Context, key, leaseID string) error {
	opts := &blob.SetMetadataOptions{}
	if leaseID != "" {
		opts.AccessConditions = &blob.AccessConditions{
			LeaseAccessConditions: &blob.LeaseAccessConditions{LeaseID: to.Ptr(leaseID)},
		}
	}
	_, err := b.lockBlob(key).SetMetadata(ctx, map[string]*string{}, opts)
	if err != nil && !notFound(err) {
		return fmt.Errorf("failed to clear azure lock metadata for %q: %w", key, err)
	}
	return nil
}

func (b *Backend) lockBlob(key string) *blockblob.Client {
	return b.container.NewBlockBlobClient(b.prefix + "locks/" + key + ".lock")
}

func notFound(err error) bool {
	return bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound)
}

func leaseConflict(err error) bool {
	return bloberror.HasCode(err,
		bloberror.LeaseAlreadyPresent,
		bloberror.LeaseIDMissing,
		bloberror.LeaseIDMismatchWithBlobOperation)
}

func classify(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusTooManyRequests:
			return backend.Unavailable(err)
		}
	}
	return err
}
