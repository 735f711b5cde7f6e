// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	gstorage "cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hashicorp/go-hclog"

	"github.com/stateward/stateward/internal/audit"
	"github.com/stateward/stateward/internal/backend"
	"github.com/stateward/stateward/internal/backend/azure"
	"github.com/stateward/stateward/internal/backend/filesystem"
	"github.com/stateward/stateward/internal/backend/gcs"
	"github.com/stateward/stateward/internal/backend/inmem"
	"github.com/stateward/stateward/internal/backend/s3"
	"github.com/stateward/stateward/internal/blob"
	"github.com/stateward/stateward/internal/coordinator"
	"github.com/stateward/stateward/internal/ledger"
	"github.com/stateward/stateward/internal/lockmgr"
)

// backendFlags are shared by every command that opens a backend directly.
type backendFlags struct {
	backendType string
	dir         string
	bucket      string
	prefix      string
	table       string
	useLockfile bool
	auditFile   string
}

func (f *backendFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.backendType, "backend", "filesystem", "backend type: filesystem, inmem, s3, gcs or azure")
	fs.StringVar(&f.dir, "dir", ".stateward", "base directory for the filesystem backend")
	fs.StringVar(&f.bucket, "bucket", "", "bucket name for the s3 and gcs backends")
	fs.StringVar(&f.prefix, "prefix", "", "object name prefix inside the bucket or container")
	fs.StringVar(&f.table, "table", "", "DynamoDB table for s3 backend locking")
	fs.BoolVar(&f.useLockfile, "lockfile", false, "also use S3 lock objects for s3 backend locking")
	fs.StringVar(&f.auditFile, "audit-file", "", "append audit records to this file (default: in-memory only)")
}

func (f *backendFlags) open(ctx context.Context, logger hclog.Logger) (backend.Backend, error) {
	switch f.backendType {
	case "filesystem":
		return filesystem.Open(f.dir)
	case "inmem":
		return inmem.New(), nil
	case "s3":
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
		}
		return s3.New(awss3.NewFromConfig(cfg), dynamodb.NewFromConfig(cfg), s3.Config{
			Bucket:      f.bucket,
			Prefix:      f.prefix,
			Table:       f.table,
			UseLockfile: f.useLockfile,
		})
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to build GCS client: %w", err)
		}
		if f.bucket == "" {
			return nil, fmt.Errorf("gcs backend requires -bucket")
		}
		return gcs.New(client, f.bucket, f.prefix), nil
	case "azure":
		containerURL := os.Getenv("STATEWARD_AZURE_CONTAINER_URL")
		if containerURL == "" {
			return nil, fmt.Errorf("azure backend requires STATEWARD_AZURE_CONTAINER_URL")
		}
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build Azure credential: %w", err)
		}
		containerClient, err := container.NewClient(containerURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build Azure container client: %w", err)
		}
		return azure.New(containerClient, f.prefix), nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", f.backendType)
	}
}

// service bundles the assembled component stack.
type service struct {
	locks   *lockmgr.Manager
	ledger  *ledger.Ledger
	coord   *coordinator.Coordinator
	audit   audit.Log
	closers []func() error
}

func (f *backendFlags) buildService(ctx context.Context, logger hclog.Logger) (*service, error) {
	be, err := f.open(ctx, logger)
	if err != nil {
		return nil, err
	}

	var auditLog audit.Log
	var closers []func() error
	if f.auditFile != "" {
		fileLog, err := audit.NewFileLog(f.auditFile, logger.Named("audit"))
		if err != nil {
			return nil, err
		}
		auditLog = fileLog
		closers = append(closers, fileLog.Close)
	} else {
		auditLog = audit.NewMemLog()
	}

	locks := lockmgr.NewManager(be, auditLog, logger.Named("lockmgr"))
	blobs := blob.NewStore(be, logger.Named("blob"))
	led := ledger.New(be, blobs, logger.Named("ledger"))
	coord := coordinator.New(locks, led, auditLog, logger.Named("coordinator"))
	return &service{locks: locks, ledger: led, coord: coord, audit: auditLog, closers: closers}, nil
}

func (s *service) close() {
	for _, c := range s.closers {
		_ = c()
	}
}

// who returns the principal identifier recorded in locks and audit
// records, in the conventional user@host form.
func who() string {
	user := os.Getenv("USER")
	if user == "" {
		user = "unknown"
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return user + "@" + host
}
