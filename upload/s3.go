package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"

	"github.com/clipforge/go-uploadutils/upload/network"
)

// S3Input describes direct delivery of a payload into an S3 bucket, used when
// the processing service ingests from object storage instead of the chunk
// endpoint.
type S3Input struct {
	// Path points to the source payload; glob patterns are resolved.
	Path            string
	ObjectKey       string
	ContentType     string
	Region          string
	Bucket          string
	AccessKeyID     Secret
	SecretAccessKey Secret
}

// UploadToBucket delivers the whole payload to the configured bucket,
// skipping the transfer when an object with the same checksum already exists.
func UploadToBucket(ctx context.Context, input S3Input, logger log.Logger) error {
	sourcePath, err := resolvePath(input.Path)
	if err != nil {
		return fmt.Errorf("failed to resolve source path: %w", err)
	}

	fileInfo, err := os.Stat(sourcePath)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	logger.Printf("Payload size: %s", units.HumanSizeWithPrecision(float64(fileInfo.Size()), 3))

	checksum, err := checksumOfFile(sourcePath)
	if err != nil {
		return fmt.Errorf("checksum source: %w", err)
	}

	objectKey := input.ObjectKey
	if objectKey == "" {
		objectKey = filepath.Base(sourcePath)
	}

	return network.UploadToS3(ctx, network.S3UploadParams{
		PayloadPath:     sourcePath,
		PayloadChecksum: checksum,
		PayloadSize:     fileInfo.Size(),
		ObjectKey:       objectKey,
		ContentType:     input.ContentType,
		Region:          input.Region,
		Bucket:          input.Bucket,
		AccessKeyID:     string(input.AccessKeyID),
		SecretAccessKey: string(input.SecretAccessKey),
	}, logger)
}

func checksumOfFile(path string) (string, error) {
	hash := sha256.New()

	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close() //nolint:errcheck

	_, err = io.Copy(hash, file)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}
