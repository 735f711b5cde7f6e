// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

// Package s3 stores objects in an S3 bucket and arbitrates locks through
// DynamoDB conditional writes, optionally doubled with an S3 lock object
// created under an If-None-Match precondition. This is the classic
// S3+DynamoDB remote state arrangement expressed as one backend.
package s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/stateward/stateward/internal/backend"
	"github.com/stateward/stateward/internal/lockmgr"
)

const (
	lockFileSuffix = ".lock"

	contentTypeJSON   = "application/json"
	contentTypeBinary = "application/octet-stream"
)

// Config configures the backend. DynamoDB locking is enabled when Table is
// set; S3 lockfile locking when UseLockfile is true. At least one must be
// enabled.
type Config struct {
	Bucket string

	// Prefix is prepended to every object name, so several services can
	// share one bucket.
	Prefix string

	// Table is the DynamoDB table used for lock records. Its hash key must
	// be the string attribute "LockID".
	Table string

	// UseLockfile additionally records locks as S3 objects written with an
	// If-None-Match precondition.
	UseLockfile bool
}

// Backend implements backend.Backend over S3 and DynamoDB.
type Backend struct {
	s3Client  *s3.Client
	dynClient *dynamodb.Client
	cfg       Config
}

var _ backend.Backend = (*Backend)(nil)

func New(s3Client *s3.Client, dynClient *dynamodb.Client, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 backend requires a bucket name")
	}
	if cfg.Table == "" && !cfg.UseLockfile {
		return nil, errors.New("s3 backend requires a DynamoDB table, an S3 lockfile, or both")
	}
	return &Backend{s3Client: s3Client, dynClient: dynClient, cfg: cfg}, nil
}

func (b *Backend) Get(ctx context.Context, name string) ([]byte, error) {
	output, err := b.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.objectKey(name)),
	})
	if err != nil {
		var nk *types.NoSuchKey
		if errors.As(err, &nk) {
			return nil, nil
		}
		var nb *types.NoSuchBucket
		if errors.As(err, &nb) {
			return nil, fmt.Errorf("s3 bucket %q does not exist: %w", b.cfg.Bucket, err)
		}
		return nil, classify(fmt.Errorf("failed to get s3 object %q: %w", name, err))
	}
	defer output.Body.Close()

	buf := bytes.NewBuffer(nil)
	if _, err := io.Copy(buf, output.Body); err != nil {
		return nil, classify(fmt.Errorf("failed to read s3 object %q: %w", name, err))
	}
	return buf.Bytes(), nil
}

func (b *Backend) Put(ctx context.Context, name string, data []byte) error {
	input := &s3.PutObjectInput{
		ContentType:   aws.String(contentTypeBinary),
		ContentLength: aws.Int64(int64(len(data))),
		Body:          bytes.NewReader(data),
		Bucket:        aws.String(b.cfg.Bucket),
		Key:           aws.String(b.objectKey(name)),

		// Pre-computing the checksum works around aws-sdk-go-v2 issues
		// with some s3-compatible services.
		// ref: https://github.com/aws/aws-sdk-go-v2/issues/1689
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    aws.String(sha256base64(data)),
	}

	log.Printf("[DEBUG] Uploading object to S3: %s/%s", b.cfg.Bucket, b.objectKey(name))
	if _, err := b.s3Client.PutObject(ctx, input); err != nil {
		return classify(fmt.Errorf("failed to upload s3 object %q: %w", name, err))
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, name string) error {
	_, err := b.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.objectKey(name)),
	})
	if err != nil {
		return classify(fmt.Errorf("failed to delete s3 object %q: %w", name, err))
	}
	return nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	paginator := s3.NewListObjectsV2Paginator(b.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.cfg.Bucket),
		Prefix: aws.String(b.objectKey(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(fmt.Errorf("failed to list s3 objects under %q: %w", prefix, err))
		}
		for _, obj := range page.Contents {
			name := aws.ToString(obj.Key)
			if b.objectPrefix() != "" {
				name = name[len(b.objectPrefix()):]
			}
			names = append(names, name)
		}
	}
	return names, nil
}

func (b *Backend) TryLock(ctx context.Context, key string, info *lockmgr.LockInfo) error {
	if err := b.s3Lock(ctx, key, info); err != nil {
		return err
	}
	if err := b.dynamoDBLock(ctx, key, info); err != nil {
		// The second acquisition failed; back out the first so a later
		// caller can win both.
		if uErr := b.s3Unlock(ctx, key, info.ID); uErr != nil {
			log.Printf("[WARN] failed to release the S3 lock after the DynamoDB lock was denied: %v", uErr)
		}
		return err
	}
	return nil
}

func (b *Backend) Renew(ctx context.Context, key, id string, expires time.Time) error {
	if b.cfg.Table != "" {
		current, err := b.lockInfoFromDynamoDB(ctx, key)
		if err != nil {
			return err
		}
		if current == nil || current.ID != id {
			return lockmgr.ErrLeaseExpired
		}
		old := string(current.Marshal())
		current.Expires = expires
		_, err = b.dynClient.PutItem(ctx, &dynamodb.PutItemInput{
			Item: map[string]dtypes.AttributeValue{
				"LockID": &dtypes.AttributeValueMemberS{Value: b.lockID(key)},
				"Info":   &dtypes.AttributeValueMemberS{Value: string(current.Marshal())},
			},
			TableName:           aws.String(b.cfg.Table),
			ConditionExpression: aws.String("Info = :old"),
			ExpressionAttributeValues: map[string]dtypes.AttributeValue{
				":old": &dtypes.AttributeValueMemberS{Value: old},
			},
		})
		if err != nil {
			if isConditionFailed(err) {
				return lockmgr.ErrLeaseExpired
			}
			return classify(fmt.Errorf("failed to renew dynamodb lock for %q: %w", key, err))
		}
	}
	if b.cfg.UseLockfile {
		current, err := b.lockInfoFromS3(ctx, key)
		if err != nil {
			return err
		}
		if current == nil || current.ID != id {
			return lockmgr.ErrLeaseExpired
		}
		current.Expires = expires
		if err := b.putLockFile(ctx, key, current, false); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) Unlock(ctx context.Context, key, id string) error {
	// Attempt to release from both sources so no lock is left behind.
	s3Err := b.s3Unlock(ctx, key, id)
	dynErr := b.dynamoDBUnlock(ctx, key, id)
	switch {
	case s3Err != nil && dynErr != nil:
		return multierror.Append(s3Err, dynErr)
	case s3Err != nil:
		if b.cfg.Table != "" {
			return fmt.Errorf("dynamodb lock released but s3 failed: %w", s3Err)
		}
		return s3Err
	case dynErr != nil:
		if b.cfg.UseLockfile {
			return fmt.Errorf("s3 lock released but dynamodb failed: %w", dynErr)
		}
		return dynErr
	}
	return nil
}

func (b *Backend) ForceUnlock(ctx context.Context, key, id string) error {
	// Same conditional deletes as a cooperative unlock; "force" only means
	// the caller is ignoring lease state, not the id match.
	return b.Unlock(ctx, key, id)
}

func (b *Backend) CurrentLock(ctx context.Context, key string) (*lockmgr.LockInfo, error) {
	if b.cfg.Table != "" {
		return b.lockInfoFromDynamoDB(ctx, key)
	}
	return b.lockInfoFromS3(ctx, key)
}

// dynamoDBLock records the lock with a conditional put, which is the
// arbitration point: attribute_not_exists guarantees a single winner.
func (b *Backend) dynamoDBLock(ctx context.Context, key string, info *lockmgr.LockInfo) error {
	if b.cfg.Table == "" {
		return nil
	}
	_, err := b.dynClient.PutItem(ctx, &dynamodb.PutItemInput{
		Item: map[string]dtypes.AttributeValue{
			"LockID": &dtypes.AttributeValueMemberS{Value: b.lockID(key)},
			"Info":   &dtypes.AttributeValueMemberS{Value: string(info.Marshal())},
		},
		TableName:           aws.String(b.cfg.Table),
		ConditionExpression: aws.String("attribute_not_exists(LockID)"),
	})
	if err != nil {
		current, infoErr := b.lockInfoFromDynamoDB(ctx, key)
		if infoErr != nil {
			err = multierror.Append(err, infoErr)
		}
		return &lockmgr.LockError{Info: current, Err: err}
	}
	return nil
}

func (b *Backend) s3Lock(ctx context.Context, key string, info *lockmgr.LockInfo) error {
	if !b.cfg.UseLockfile {
		return nil
	}
	if err := b.putLockFile(ctx, key, info, true); err != nil {
		current, infoErr := b.lockInfoFromS3(ctx, key)
		if infoErr != nil {
			err = multierror.Append(err, infoErr)
		}
		return &lockmgr.LockError{Info: current, Err: err}
	}
	return nil
}

func (b *Backend) putLockFile(ctx context.Context, key string, info *lockmgr.LockInfo, ifNoneMatch bool) error {
	data := info.Marshal()
	input := &s3.PutObjectInput{
		ContentType:   aws.String(contentTypeJSON),
		ContentLength: aws.Int64(int64(len(data))),
		Bucket:        aws.String(b.cfg.Bucket),
		Key:           aws.String(b.lockFileKey(key)),
		Body:          bytes.NewReader(data),
	}
	if ifNoneMatch {
		input.IfNoneMatch = aws.String("*")
	}
	_, err := b.s3Client.PutObject(ctx, input)
	return err
}

func (b *Backend) s3Unlock(ctx context.Context, key, id string) error {
	if !b.cfg.UseLockfile {
		return nil
	}
	current, err := b.lockInfoFromS3(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to retrieve s3 lock info for %q: %w", key, err)
	}
	if current == nil {
		return lockmgr.ErrNotHeld
	}
	if current.ID != id {
		return lockmgr.ErrLockMismatch
	}
	_, err = b.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.lockFileKey(key)),
	})
	if err != nil {
		return classify(fmt.Errorf("failed to delete s3 lock for %q: %w", key, err))
	}
	return nil
}

func (b *Backend) dynamoDBUnlock(ctx context.Context, key, id string) error {
	if b.cfg.Table == "" {
		return nil
	}
	current, err := b.lockInfoFromDynamoDB(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to retrieve dynamodb lock info for %q: %w", key, err)
	}
	if current == nil {
		return lockmgr.ErrNotHeld
	}
	if current.ID != id {
		return lockmgr.ErrLockMismatch
	}

	// Condition on the full stored info so a lock that changed between the
	// read above and this delete is never cleared.
	_, err = b.dynClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		Key: map[string]dtypes.AttributeValue{
			"LockID": &dtypes.AttributeValueMemberS{Value: b.lockID(key)},
		},
		TableName:           aws.String(b.cfg.Table),
		ConditionExpression: aws.String("Info = :info"),
		ExpressionAttributeValues: map[string]dtypes.AttributeValue{
			":info": &dtypes.AttributeValueMemberS{Value: string(current.Marshal())},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return lockmgr.ErrLockMismatch
		}
		return classify(fmt.Errorf("failed to delete dynamodb lock for %q: %w", key, err))
	}
	return nil
}

func (b *Backend) lockInfoFromDynamoDB(ctx context.Context, key string) (*lockmgr.LockInfo, error) {
	resp, err := b.dynClient.GetItem(ctx, &dynamodb.GetItemInput{
		Key: map[string]dtypes.AttributeValue{
			"LockID": &dtypes.AttributeValueMemberS{Value: b.lockID(key)},
		},
		ProjectionExpression: aws.String("LockID, Info"),
		TableName:            aws.String(b.cfg.Table),
		ConsistentRead:       aws.Bool(true),
	})
	if err != nil {
		return nil, classify(fmt.Errorf("failed to read dynamodb lock for %q: %w", key, err))
	}
	if len(resp.Item) == 0 {
		return nil, nil
	}
	var infoData string
	if v, ok := resp.Item["Info"]; ok {
		if v, ok := v.(*dtypes.AttributeValueMemberS); ok {
			infoData = v.Value
		}
	}
	info := &lockmgr.LockInfo{}
	if err := json.Unmarshal([]byte(infoData), info); err != nil {
		return nil, fmt.Errorf("unreadable dynamodb lock record for %q: %w", key, err)
	}
	return info, nil
}

func (b *Backend) lockInfoFromS3(ctx context.Context, key string) (*lockmgr.LockInfo, error) {
	resp, err := b.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.lockFileKey(key)),
	})
	if err != nil {
		var nk *types.NoSuchKey
		if errors.As(err, &nk) {
			return nil, nil
		}
		return nil, classify(fmt.Errorf("failed to read s3 lock for %q: %w", key, err))
	}
	defer resp.Body.Close()
	info := &lockmgr.LockInfo{}
	if err := json.NewDecoder(resp.Body).Decode(info); err != nil {
		return nil, fmt.Errorf("unreadable s3 lock object for %q: %w", key, err)
	}
	return info, nil
}

func (b *Backend) objectPrefix() string {
	if b.cfg.Prefix == "" {
		return ""
	}
	return b.cfg.Prefix + "/"
}

func (b *Backend) objectKey(name string) string {
	return b.objectPrefix() + name
}

func (b *Backend) lockID(key string) string {
	return fmt.Sprintf("%s/%s", b.cfg.Bucket, b.objectKey(key))
}

func (b *Backend) lockFileKey(key string) string {
	return b.objectPrefix() + "locks/" + key + lockFileSuffix
}

func sha256base64(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func isConditionFailed(err error) bool {
	var ccf *dtypes.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// classify marks throttling and internal service errors as transient so the
// blob layer's bounded retry can handle them.
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InternalError", "SlowDown", "ServiceUnavailable", "ThrottlingException", "ProvisionedThroughputExceededException":
			return backend.Unavailable(err)
		}
	}
	return err
}
