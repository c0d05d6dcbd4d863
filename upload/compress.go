package upload

import (
	"fmt"
	"io"
	"os"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/zstd"
)

// compressPayload writes a zstd-compressed copy of the source into a
// temporary file and returns its path and size. The caller removes the file.
func compressPayload(path string, logger log.Logger) (string, int64, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open source: %w", err)
	}
	defer func() {
		if err := in.Close(); err != nil {
			logger.Warnf("failed to close source file: %s", err)
		}
	}()

	out, err := os.CreateTemp("", "payload-*.zst")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}

	encoder, err := zstd.NewWriter(out)
	if err != nil {
		out.Close() //nolint:errcheck
		return "", 0, fmt.Errorf("create zstd writer: %w", err)
	}

	if _, err := io.Copy(encoder, in); err != nil {
		encoder.Close() //nolint:errcheck
		out.Close()     //nolint:errcheck
		return "", 0, fmt.Errorf("compress payload: %w", err)
	}

	if err := encoder.Close(); err != nil {
		out.Close() //nolint:errcheck
		return "", 0, fmt.Errorf("flush zstd writer: %w", err)
	}

	info, err := out.Stat()
	if err != nil {
		out.Close() //nolint:errcheck
		return "", 0, fmt.Errorf("stat compressed payload: %w", err)
	}

	if err := out.Close(); err != nil {
		return "", 0, fmt.Errorf("close compressed payload: %w", err)
	}

	return out.Name(), info.Size(), nil
}
