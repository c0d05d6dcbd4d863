package network

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const numS3Retries = 3

// S3UploadParams configures direct delivery of a whole payload into an S3
// bucket, as an alternative to streaming chunks through the HTTP endpoint.
type S3UploadParams struct {
	PayloadPath     string
	PayloadChecksum string
	PayloadSize     int64
	ObjectKey       string
	ContentType     string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

type s3UploadService struct {
	client          *s3.Client
	bucket          string
	payloadPath     string
	payloadChecksum string
	payloadSize     int64
	contentType     string
}

// UploadToS3 delivers the payload to the configured bucket. If an object with
// the same key and checksum already exists, the upload is skipped.
func UploadToS3(ctx context.Context, params S3UploadParams, logger log.Logger) error {
	if params.Bucket == "" {
		return fmt.Errorf("Bucket must not be empty")
	}

	if params.PayloadPath == "" {
		return fmt.Errorf("PayloadPath must not be empty")
	}

	if params.PayloadSize == 0 {
		return fmt.Errorf("PayloadSize must not be empty")
	}

	if params.ObjectKey == "" {
		return fmt.Errorf("ObjectKey must not be empty")
	}

	cfg, err := loadAWSCredentials(
		ctx,
		params.Region,
		params.AccessKeyID,
		params.SecretAccessKey,
		logger,
	)
	if err != nil {
		return fmt.Errorf("load aws credentials: %w", err)
	}

	contentType := params.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	client := s3.NewFromConfig(*cfg)
	service := &s3UploadService{
		client:          client,
		bucket:          params.Bucket,
		payloadPath:     params.PayloadPath,
		payloadSize:     params.PayloadSize,
		payloadChecksum: params.PayloadChecksum,
		contentType:     contentType,
	}

	return service.uploadWithS3Client(ctx, params.ObjectKey, logger)
}

// If the object for the key & checksum exists in bucket -> skip upload
// Otherwise -> upload (overwrites any existing object)
func (service *s3UploadService) uploadWithS3Client(ctx context.Context, objectKey string, logger log.Logger) error {
	checksum, err := service.findChecksumWithRetry(ctx, objectKey)
	if err != nil {
		return fmt.Errorf("validate object: %w", err)
	}

	if checksum != "" && checksum == service.payloadChecksum {
		logger.Debugf("Found payload with the same checksum, skipping upload")
		return nil
	}

	logger.Debugf("Uploading payload...")
	err = service.putObjectWithRetry(ctx, objectKey)
	if err != nil {
		return fmt.Errorf("upload payload: %w", err)
	}

	return nil
}

// findChecksumWithRetry tries to find the object in the bucket.
// If the object is present, it returns its SHA-256 checksum.
// If the object isn't present, it returns an empty string.
func (service *s3UploadService) findChecksumWithRetry(ctx context.Context, objectKey string) (string, error) {
	var checksum string
	err := retry.Times(numS3Retries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := service.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(service.bucket),
			Key:    aws.String(objectKey),
		})
		if err != nil {
			var apiError smithy.APIError
			if errors.As(err, &apiError) {
				switch apiError.(type) {
				case *types.NotFound:
					// continue with upload
					return nil, true
				default:
					return fmt.Errorf("validating object: %w", err), false
				}
			}
		}

		attributes, err := service.client.GetObjectAttributes(ctx, &s3.GetObjectAttributesInput{
			Bucket: aws.String(service.bucket),
			Key:    aws.String(objectKey),
			ObjectAttributes: []types.ObjectAttributes{
				"Checksum",
			},
		})
		if err != nil {
			return fmt.Errorf("get payload object attributes: %w", err), false
		}

		if attributes != nil && attributes.Checksum != nil && attributes.Checksum.ChecksumSHA256 != nil {
			decodedChecksum, err := base64.StdEncoding.DecodeString(*attributes.Checksum.ChecksumSHA256)
			if err != nil {
				return fmt.Errorf("base64 decode checksum: %w", err), true
			}

			checksum = hex.EncodeToString(decodedChecksum)
		}

		return nil, true
	})

	return checksum, err
}

func (service *s3UploadService) putObjectWithRetry(ctx context.Context, objectKey string) error {
	return retry.Times(numS3Retries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		file, err := os.Open(service.payloadPath)
		if err != nil {
			return fmt.Errorf("open payload path: %w", err), true
		}
		defer file.Close() //nolint:errcheck

		var partMB int64 = 10

		uploader := manager.NewUploader(service.client, func(u *manager.Uploader) {
			u.PartSize = partMB * 1024 * 1024
		})

		_, err = uploader.Upload(ctx, &s3.PutObjectInput{
			Body:              file,
			Bucket:            aws.String(service.bucket),
			Key:               aws.String(objectKey),
			ContentType:       aws.String(service.contentType),
			ContentLength:     aws.Int64(service.payloadSize),
			ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		})
		if err != nil {
			return fmt.Errorf("upload payload: %w", err), false
		}

		return nil, true
	})
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
