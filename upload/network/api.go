package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

type prepareJobRequest struct {
	ProjectID      string `json:"project_id"`
	FileName       string `json:"file_name"`
	SourceType     string `json:"source_type"`
	SizeInBytes    int64  `json:"size_in_bytes"`
	ChunkSizeBytes int64  `json:"chunk_size_bytes"`
	ChunkCount     int    `json:"chunk_count"`
}

// PrepareJobResponse describes the upload session the service opened for a job.
type PrepareJobResponse struct {
	ID        string `json:"id"`
	UploadURL string `json:"upload_url"`
}

type acknowledgeJobRequest struct {
	Successful      bool `json:"successful"`
	ChunksSucceeded int  `json:"chunks_succeeded"`
	ChunksFailed    int  `json:"chunks_failed"`
}

// AcknowledgeJobResponse is the service's reaction to a finished job.
type AcknowledgeJobResponse struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// APIClient talks to the job-level endpoints around the chunk stream:
// registering the job before the first chunk and acknowledging the outcome
// after the last one.
type APIClient struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewAPIClient creates an API client on top of a retrying HTTP client.
func NewAPIClient(client *retryablehttp.Client, baseURL string, accessToken string, logger log.Logger) APIClient {
	return APIClient{
		httpClient:  client,
		baseURL:     baseURL,
		accessToken: accessToken,
		logger:      logger,
	}
}

// NewRetryingHTTPClient creates the retryablehttp client used for job API
// calls, with retry decisions logged at debug level.
func NewRetryingHTTPClient(logger log.Logger) *retryablehttp.Client {
	client := retryhttp.NewClient(logger)
	client.CheckRetry = func(ctx context.Context, resp *http.Response, reqErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, reqErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; reqErr=%+v", retry, err, reqErr)
		return retry, err
	}
	return client
}

// PrepareJob registers the upload job and returns the session to stream
// chunks into.
func (c APIClient) PrepareJob(projectID, fileName, sourceType string, sizeInBytes, chunkSizeBytes int64, chunkCount int) (PrepareJobResponse, error) {
	url := fmt.Sprintf("%s/upload-jobs", c.baseURL)

	body, err := json.Marshal(prepareJobRequest{
		ProjectID:      projectID,
		FileName:       fileName,
		SourceType:     sourceType,
		SizeInBytes:    sizeInBytes,
		ChunkSizeBytes: chunkSizeBytes,
		ChunkCount:     chunkCount,
	})
	if err != nil {
		return PrepareJobResponse{}, err
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return PrepareJobResponse{}, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return PrepareJobResponse{}, err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return PrepareJobResponse{}, unwrapError(resp)
	}

	var response PrepareJobResponse
	err = json.NewDecoder(resp.Body).Decode(&response)
	if err != nil {
		return PrepareJobResponse{}, err
	}

	return response, nil
}

// AcknowledgeJob reports the job-level outcome summary for the session.
func (c APIClient) AcknowledgeJob(jobID string, successful bool, chunksSucceeded, chunksFailed int) (AcknowledgeJobResponse, error) {
	url := fmt.Sprintf("%s/upload-jobs/%s/acknowledge", c.baseURL, jobID)

	body, err := json.Marshal(acknowledgeJobRequest{
		Successful:      successful,
		ChunksSucceeded: chunksSucceeded,
		ChunksFailed:    chunksFailed,
	})
	if err != nil {
		return AcknowledgeJobResponse{}, err
	}

	req, err := retryablehttp.NewRequest(http.MethodPatch, url, body)
	if err != nil {
		return AcknowledgeJobResponse{}, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return AcknowledgeJobResponse{}, err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return AcknowledgeJobResponse{}, unwrapError(resp)
	}

	var response AcknowledgeJobResponse
	err = json.NewDecoder(resp.Body).Decode(&response)
	if err != nil {
		return AcknowledgeJobResponse{}, err
	}

	return response, nil
}

func unwrapError(resp *http.Response) error {
	errorResp, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}
