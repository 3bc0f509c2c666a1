// Package mirror keeps an off-chain copy of encoded session streams in an S3
// bucket, keyed by session handle. The ledger remains the source of truth;
// the mirror only exists to make retrieval fast.
package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/chainvault/go-chainvault/stepconf"
)

const numMirrorRetries = 3

// streamExtension marks mirrored chainvault stream objects.
const streamExtension = "cvs"

// ErrStreamNotFound is returned when the bucket holds no stream for the
// session handle.
var ErrStreamNotFound = errors.New("no mirrored stream for session")

// Config of the S3 mirror.
type Config struct {
	Region    string
	Bucket    string
	KeyPrefix string
	// AccessKeyID and SecretAccessKey are optional; when empty the default
	// AWS credential chain is used.
	AccessKeyID     stepconf.Secret
	SecretAccessKey stepconf.Secret
}

// S3Mirror stores encoded streams in an S3 bucket.
type S3Mirror struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
	logger    log.Logger
}

// New creates an S3Mirror.
func New(ctx context.Context, mirrorConfig Config, logger log.Logger) (*S3Mirror, error) {
	if mirrorConfig.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSConfig(ctx, mirrorConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &S3Mirror{
		client:    s3.NewFromConfig(*cfg),
		bucket:    mirrorConfig.Bucket,
		keyPrefix: strings.TrimSuffix(mirrorConfig.KeyPrefix, "/"),
		logger:    logger,
	}, nil
}

// Put uploads the encoded stream under the session handle's object key.
// Finalized streams are immutable, so an overwrite is always a re-upload of
// identical bytes.
func (m *S3Mirror) Put(ctx context.Context, handle string, stream []byte) error {
	key := m.objectKey(handle)
	m.logger.Debugf("Mirroring %d bytes to s3://%s/%s", len(stream), m.bucket, key)

	return retry.Times(numMirrorRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		uploader := manager.NewUploader(m.client)
		_, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Body:              bytes.NewReader(stream),
			Bucket:            aws.String(m.bucket),
			Key:               aws.String(key),
			ContentType:       aws.String("application/octet-stream"),
			ContentLength:     aws.Int64(int64(len(stream))),
			ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		})
		if err != nil {
			return fmt.Errorf("upload stream: %w", err), false
		}
		return nil, true
	})
}

// Get downloads the encoded stream stored under the session handle.
func (m *S3Mirror) Get(ctx context.Context, handle string) ([]byte, error) {
	key := m.objectKey(handle)

	_, err := m.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var apiError smithy.APIError
		if errors.As(err, &apiError) {
			if _, notFound := apiError.(*types.NotFound); notFound {
				return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, handle)
			}
		}
		return nil, fmt.Errorf("check mirrored stream: %w", err)
	}

	var stream []byte
	err = retry.Times(numMirrorRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		result, err := m.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(m.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("get object: %w", err), false
		}
		defer result.Body.Close() //nolint:errcheck

		body, err := io.ReadAll(result.Body)
		if err != nil {
			return fmt.Errorf("read object content: %w", err), false
		}
		stream = body
		return nil, true
	})
	if err != nil {
		return nil, fmt.Errorf("all retries failed: %w", err)
	}

	return stream, nil
}

func (m *S3Mirror) objectKey(handle string) string {
	if m.keyPrefix == "" {
		return fmt.Sprintf("%s.%s", handle, streamExtension)
	}
	return fmt.Sprintf("%s/%s.%s", m.keyPrefix, handle, streamExtension)
}

func loadAWSConfig(ctx context.Context, mirrorConfig Config, logger log.Logger) (*aws.Config, error) {
	if mirrorConfig.Region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(mirrorConfig.Region),
	}

	if mirrorConfig.AccessKeyID != "" && mirrorConfig.SecretAccessKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				string(mirrorConfig.AccessKeyID), string(mirrorConfig.SecretAccessKey), "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
