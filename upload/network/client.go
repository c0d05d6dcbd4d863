// Package network performs the individual chunk transfers of an upload job:
// multipart HTTP delivery with deadlines, bounded retries with backoff, the
// job prepare/acknowledge API calls, and the alternate S3 payload transport.
package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/clipforge/go-uploadutils/upload/chunkplan"
)

// Chunk is one planned byte range together with its payload.
type Chunk struct {
	chunkplan.Range
	Payload []byte
}

// Metadata carries the job-level fields attached to every chunk request.
type Metadata struct {
	ProjectID         string
	ProjectName       string
	FileName          string
	Description       string
	SourceType        string
	TargetPlatforms   []string
	AIPrompt          string
	ProcessingOptions map[string]interface{}
	NumClips          int
}

// Outcome is the terminal result of transferring a single chunk.
type Outcome struct {
	ChunkIndex    int
	Success       bool
	StatusCode    int
	Latency       time.Duration
	Err           *TransferError
	ServerPayload json.RawMessage
}

// ErrorMessage returns the attached error text, or "" on success.
func (o Outcome) ErrorMessage() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Transport performs one cancellable, timed chunk transfer.
// The scheduler depends on this interface rather than a concrete client.
type Transport interface {
	Send(ctx context.Context, chunk Chunk, meta Metadata, timeout time.Duration) Outcome
}

// WireFormat selects the multipart body layout expected by the endpoint.
type WireFormat int

const (
	// WireOrdered is the form used by the sequential discipline: one field
	// per metadata item plus the chunkData binary part.
	WireOrdered WireFormat = iota
	// WireBatched is the form used by the parallel discipline: the binary
	// chunk part plus a single JSON-encoded projectData field.
	WireBatched
)

// Client sends chunks to the upload endpoint over HTTP.
type Client struct {
	httpClient *http.Client
	uploadURL  string
	format     WireFormat
	logger     log.Logger
}

// NewClient creates a chunk transfer client. If httpClient is nil, a client
// tuned for parallel chunk uploads is used.
func NewClient(httpClient *http.Client, uploadURL string, format WireFormat, logger log.Logger) *Client {
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}
	return &Client{
		httpClient: httpClient,
		uploadURL:  uploadURL,
		format:     format,
		logger:     logger,
	}
}

// DefaultHTTPClient creates an HTTP client optimized for chunk uploads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No client-level timeout - per-chunk deadlines are handled via context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// CloseIdleConnections closes idle connections held by the HTTP client.
func (c *Client) CloseIdleConnections() {
	if transport, ok := c.httpClient.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

// Send transfers one chunk within the given deadline. It never blocks past
// the deadline: an expired or cancelled context yields a timeout outcome.
func (c *Client) Send(ctx context.Context, chunk Chunk, meta Metadata, timeout time.Duration) Outcome {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, contentType, err := c.encodeBody(chunk, meta)
	if err != nil {
		return failure(chunk.Index, start, &TransferError{
			Kind:    KindConfig,
			Message: fmt.Sprintf("encode chunk request: %s", err),
			Cause:   err,
		})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, bytes.NewReader(body))
	if err != nil {
		return failure(chunk.Index, start, &TransferError{
			Kind:    KindConfig,
			Message: fmt.Sprintf("create chunk request: %s", err),
			Cause:   err,
		})
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(body))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return failure(chunk.Index, start, &TransferError{
				Kind:    KindTimeout,
				Message: fmt.Sprintf("chunk %d did not complete within %s", chunk.Index, timeout),
				Cause:   ctx.Err(),
			})
		}
		return failure(chunk.Index, start, &TransferError{
			Kind:    KindNetwork,
			Message: err.Error(),
			Cause:   err,
		})
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Printf(err.Error())
		}
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		if ctx.Err() != nil {
			return failure(chunk.Index, start, &TransferError{
				Kind:    KindTimeout,
				Message: fmt.Sprintf("chunk %d response read exceeded %s", chunk.Index, timeout),
				Cause:   ctx.Err(),
			})
		}
		return failure(chunk.Index, start, &TransferError{
			Kind:    KindNetwork,
			Message: fmt.Sprintf("read response: %s", err),
			Cause:   err,
		})
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		out := failure(chunk.Index, start, &TransferError{
			Kind:       KindHTTP,
			StatusCode: resp.StatusCode,
			Message:    serverErrorMessage(respBody, resp.StatusCode),
		})
		out.StatusCode = resp.StatusCode
		return out
	}

	if ok, msg := applicationAccepted(respBody); !ok {
		out := failure(chunk.Index, start, &TransferError{
			Kind:       KindApplication,
			StatusCode: resp.StatusCode,
			Message:    msg,
		})
		out.StatusCode = resp.StatusCode
		out.ServerPayload = respBody
		return out
	}

	return Outcome{
		ChunkIndex:    chunk.Index,
		Success:       true,
		StatusCode:    resp.StatusCode,
		Latency:       time.Since(start),
		ServerPayload: respBody,
	}
}

func failure(index int, start time.Time, terr *TransferError) Outcome {
	return Outcome{
		ChunkIndex: index,
		Success:    false,
		Latency:    time.Since(start),
		Err:        terr,
	}
}

func (c *Client) encodeBody(chunk Chunk, meta Metadata) ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	var err error
	switch c.format {
	case WireOrdered:
		err = writeOrderedFields(writer, chunk, meta)
	case WireBatched:
		err = writeBatchedFields(writer, chunk, meta)
	default:
		err = fmt.Errorf("unknown wire format %d", c.format)
	}
	if err != nil {
		return nil, "", err
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("finalize multipart body: %w", err)
	}

	return buf.Bytes(), writer.FormDataContentType(), nil
}

func writeOrderedFields(writer *multipart.Writer, chunk Chunk, meta Metadata) error {
	platforms, err := json.Marshal(meta.TargetPlatforms)
	if err != nil {
		return fmt.Errorf("encode target platforms: %w", err)
	}
	options, err := json.Marshal(meta.ProcessingOptions)
	if err != nil {
		return fmt.Errorf("encode processing options: %w", err)
	}

	fields := map[string]string{
		"chunkIndex":        strconv.Itoa(chunk.Index),
		"totalChunks":       strconv.Itoa(chunk.TotalChunks),
		"fileName":          meta.FileName,
		"projectId":         meta.ProjectID,
		"projectName":       meta.ProjectName,
		"description":       meta.Description,
		"sourceType":        meta.SourceType,
		"targetPlatforms":   string(platforms),
		"aiPrompt":          meta.AIPrompt,
		"processingOptions": string(options),
		"numClips":          strconv.Itoa(meta.NumClips),
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return fmt.Errorf("write field %s: %w", k, err)
		}
	}

	part, err := writer.CreateFormFile("chunkData", meta.FileName)
	if err != nil {
		return fmt.Errorf("create chunk part: %w", err)
	}
	if _, err := part.Write(chunk.Payload); err != nil {
		return fmt.Errorf("write chunk payload: %w", err)
	}

	return nil
}

func writeBatchedFields(writer *multipart.Writer, chunk Chunk, meta Metadata) error {
	projectData, err := json.Marshal(map[string]interface{}{
		"projectId":         meta.ProjectID,
		"projectName":       meta.ProjectName,
		"fileName":          meta.FileName,
		"description":       meta.Description,
		"sourceType":        meta.SourceType,
		"targetPlatforms":   meta.TargetPlatforms,
		"aiPrompt":          meta.AIPrompt,
		"processingOptions": meta.ProcessingOptions,
		"numClips":          meta.NumClips,
	})
	if err != nil {
		return fmt.Errorf("encode project data: %w", err)
	}

	fields := map[string]string{
		"chunkId":     fmt.Sprintf("%s-%d", meta.ProjectID, chunk.Index),
		"chunkIndex":  strconv.Itoa(chunk.Index),
		"totalChunks": strconv.Itoa(chunk.TotalChunks),
		"isLastChunk": strconv.FormatBool(chunk.IsLast),
		"projectData": string(projectData),
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return fmt.Errorf("write field %s: %w", k, err)
		}
	}

	part, err := writer.CreateFormFile("chunk", meta.FileName)
	if err != nil {
		return fmt.Errorf("create chunk part: %w", err)
	}
	if _, err := part.Write(chunk.Payload); err != nil {
		return fmt.Errorf("write chunk payload: %w", err)
	}

	return nil
}

// uploadResponse is the body shape of the ordered-form endpoint.
type uploadResponse struct {
	Success           *bool  `json:"success"`
	ProcessingStarted bool   `json:"processingStarted"`
	NextStep          string `json:"nextStep"`
	Message           string `json:"message"`
	Error             string `json:"error"`
}

// applicationAccepted checks an HTTP-level success body for an
// application-level failure. A body without a success field, or one that is
// not JSON at all, counts as accepted: the batched endpoint returns an
// arbitrary processing-result object.
func applicationAccepted(body []byte) (bool, string) {
	var resp uploadResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return true, ""
	}
	if resp.Success != nil && !*resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = resp.Message
		}
		if msg == "" {
			msg = "server reported failure"
		}
		return false, msg
	}
	return true, ""
}

// serverErrorMessage extracts a human-readable message from an error response
// body, falling back to the raw body or the status text.
func serverErrorMessage(body []byte, statusCode int) string {
	var resp uploadResponse
	if err := json.Unmarshal(body, &resp); err == nil {
		if resp.Error != "" {
			return resp.Error
		}
		if resp.Message != "" {
			return resp.Message
		}
	}
	if len(body) > 0 {
		const limit = 512
		if len(body) > limit {
			body = body[:limit]
		}
		return string(body)
	}
	return http.StatusText(statusCode)
}

// TimeoutForSize scales a per-chunk deadline to the chunk's size so one
// oversized chunk cannot starve the job's wall-clock budget. The result never
// drops below floor.
func TimeoutForSize(size int64, perMiB, floor time.Duration) time.Duration {
	timeout := time.Duration(float64(size) / (1024 * 1024) * float64(perMiB))
	if timeout < floor {
		return floor
	}
	return timeout
}

// IsTimeout reports whether the outcome failed on its deadline.
func IsTimeout(o Outcome) bool {
	return o.Err != nil && o.Err.Kind == KindTimeout
}
