package network

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/melbahja/got"
)

// DownloadResultParams configures retrieval of the processed artifact the
// service produced from the uploaded chunks.
type DownloadResultParams struct {
	APIBaseURL   string
	Token        string
	JobID        string
	DownloadPath string
}

// DownloadResult fetches the processed artifact for a finished job and writes
// it to the configured path.
func DownloadResult(ctx context.Context, params DownloadResultParams, logger log.Logger) error {
	if params.APIBaseURL == "" {
		return fmt.Errorf("API base URL is empty")
	}

	if params.Token == "" {
		return fmt.Errorf("API token is empty")
	}

	if params.JobID == "" {
		return fmt.Errorf("job ID is empty")
	}

	retryableHTTPClient := NewRetryingHTTPClient(logger)

	url := fmt.Sprintf("%s/upload-jobs/%s/result", params.APIBaseURL, params.JobID)
	logger.Debugf("Downloading processed result from %s", url)

	return downloadFile(ctx, retryableHTTPClient.StandardClient(), url, params.DownloadPath)
}

func downloadFile(ctx context.Context, client *http.Client, url string, dest string) error {
	downloader := got.New()
	downloader.Client = client

	return downloader.Do(got.NewDownload(ctx, url, dest))
}
