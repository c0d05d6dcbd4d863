// Package upload is the high-level entry point of the chunked upload
// pipeline: it resolves the source payload, plans the chunk sequence, picks
// a dispatch discipline and drives the scheduler to a job result.
package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"

	"github.com/clipforge/go-uploadutils/upload/chunkplan"
	"github.com/clipforge/go-uploadutils/upload/network"
	"github.com/clipforge/go-uploadutils/upload/scheduler"
)

// Secret is a string that is redacted when printed.
type Secret string

// RedactedValue replaces secret values in formatted output.
const RedactedValue = "[REDACTED]"

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return RedactedValue
}

const (
	apiURLEnvKey      = "CLIPFORGE_API_URL"
	accessTokenEnvKey = "CLIPFORGE_ACCESS_TOKEN"

	// Payloads above this size are dispatched with the parallel discipline.
	parallelSizeThreshold = 64 * 1024 * 1024

	defaultChunkSize = "8MB"
)

// Input is the caller-facing description of one upload job.
type Input struct {
	Verbose bool

	// Path points to the source payload. Glob patterns are resolved; the
	// pattern must match exactly one file.
	Path string

	ProjectID         string
	ProjectName       string
	Description       string
	SourceType        string
	TargetPlatforms   []string
	AIPrompt          string
	ProcessingOptions map[string]interface{}
	NumClips          int

	// ChunkSize is a human-readable size ("8MB", "512KB"). Empty means the
	// default. "auto" derives the size from the payload and concurrency.
	ChunkSize string

	// MaxConcurrency bounds parallel transfers. 0 means a CPU-derived default.
	MaxConcurrency int
	MaxRetries     int
	BaseBackoff    time.Duration

	// ForceSequential keeps the ordered fail-fast discipline regardless of
	// payload size.
	ForceSequential bool

	// Compress runs the payload through zstd before chunking.
	Compress bool

	// OnProgress, if set, receives a snapshot after every terminal chunk.
	OnProgress scheduler.ProgressFunc
}

// Uploader runs one chunked upload job end to end.
type Uploader interface {
	Upload(ctx context.Context, input Input) (scheduler.Result, error)
	// FetchResult downloads the processed artifact of a finished job.
	FetchResult(ctx context.Context, jobID, destPath string) error
}

type uploader struct {
	envRepo env.Repository
	logger  log.Logger

	// newTransport is a seam for tests; nil means the HTTP chunk client.
	newTransport func(uploadURL string, format network.WireFormat) network.Transport
}

// NewUploader creates an Uploader that streams chunks to the service
// configured through the environment.
func NewUploader(envRepo env.Repository, logger log.Logger) Uploader {
	return &uploader{
		envRepo: envRepo,
		logger:  logger,
	}
}

type jobConfig struct {
	SourcePath     string
	SourceSize     int64
	FileName       string
	ChunkSize      int64
	MaxConcurrency int
	Discipline     scheduler.Discipline
	APIBaseURL     string
	AccessToken    Secret
}

// Upload resolves the source, registers the job, transfers every chunk and
// acknowledges the outcome. The returned Result is complete even when the
// job failed; the error covers pipeline-level problems only.
func (u *uploader) Upload(ctx context.Context, input Input) (scheduler.Result, error) {
	config, err := u.createConfig(input)
	if err != nil {
		return scheduler.Result{}, fmt.Errorf("failed to parse inputs: %w", err)
	}

	sourcePath := config.SourcePath
	if input.Compress {
		compressedPath, compressedSize, err := compressPayload(sourcePath, u.logger)
		if err != nil {
			return scheduler.Result{}, fmt.Errorf("compress payload: %w", err)
		}
		defer func() {
			if err := os.Remove(compressedPath); err != nil {
				u.logger.Warnf("failed to remove temporary file: %s", err)
			}
		}()
		u.logger.Printf("Compressed payload: %s -> %s",
			units.HumanSizeWithPrecision(float64(config.SourceSize), 3),
			units.HumanSizeWithPrecision(float64(compressedSize), 3))
		sourcePath = compressedPath
		config.SourceSize = compressedSize
	}

	plan, err := chunkplan.Plan(config.SourceSize, config.ChunkSize)
	if err != nil {
		return scheduler.Result{}, fmt.Errorf("plan chunks: %w", err)
	}

	u.logger.Println()
	u.logger.Infof("Uploading %s (%s) in %d chunks...",
		config.FileName,
		units.HumanSizeWithPrecision(float64(config.SourceSize), 3),
		len(plan))

	apiClient := network.NewAPIClient(network.NewRetryingHTTPClient(u.logger), config.APIBaseURL, string(config.AccessToken), u.logger)
	session, err := apiClient.PrepareJob(input.ProjectID, config.FileName, input.SourceType, config.SourceSize, config.ChunkSize, len(plan))
	if err != nil {
		return scheduler.Result{}, fmt.Errorf("failed to register upload job: %w", err)
	}
	u.logger.Debugf("Job ID: %s", session.ID)

	provider, err := chunkplan.NewFileProvider(sourcePath, plan)
	if err != nil {
		return scheduler.Result{}, fmt.Errorf("open source: %w", err)
	}
	defer func() {
		if err := provider.Close(); err != nil {
			u.logger.Warnf("failed to close source file: %s", err)
		}
	}()

	transport := u.transport(session.UploadURL, wireFormatFor(config.Discipline))

	sched, err := scheduler.New(scheduler.Config{
		Discipline:     config.Discipline,
		MaxConcurrency: config.MaxConcurrency,
		MaxRetries:     input.MaxRetries,
		BaseBackoff:    input.BaseBackoff,
		OnProgress:     input.OnProgress,
	}, transport, u.logger)
	if err != nil {
		return scheduler.Result{}, err
	}

	meta := network.Metadata{
		ProjectID:         input.ProjectID,
		ProjectName:       input.ProjectName,
		FileName:          config.FileName,
		Description:       input.Description,
		SourceType:        input.SourceType,
		TargetPlatforms:   input.TargetPlatforms,
		AIPrompt:          input.AIPrompt,
		ProcessingOptions: input.ProcessingOptions,
		NumClips:          input.NumClips,
	}

	uploadStartTime := time.Now()
	result, err := sched.Run(ctx, plan, provider, meta)
	if err != nil {
		return scheduler.Result{}, fmt.Errorf("upload job failed: %w", err)
	}
	uploadTime := time.Since(uploadStartTime).Round(time.Second)

	if result.Success {
		u.logger.Donef("Uploaded %d/%d chunks in %s", result.ChunksSucceeded, result.ChunksAttempted, uploadTime)
	} else {
		u.logger.Warnf("Upload finished with failures in %s: %s", uploadTime, result.Message)
	}

	response, err := apiClient.AcknowledgeJob(session.ID, result.Success, result.ChunksSucceeded, result.ChunksFailed)
	if err != nil {
		return result, fmt.Errorf("failed to finalize upload job: %w", err)
	}
	logResponseMessage(response, u.logger)

	return result, nil
}

// FetchResult downloads the processed artifact of a finished job to destPath.
func (u *uploader) FetchResult(ctx context.Context, jobID, destPath string) error {
	apiBaseURL := u.envRepo.Get(apiURLEnvKey)
	if apiBaseURL == "" {
		return fmt.Errorf("the secret '%s' is not defined", apiURLEnvKey)
	}
	accessToken := u.envRepo.Get(accessTokenEnvKey)
	if accessToken == "" {
		return fmt.Errorf("the secret '%s' is not defined", accessTokenEnvKey)
	}

	return network.DownloadResult(ctx, network.DownloadResultParams{
		APIBaseURL:   apiBaseURL,
		Token:        accessToken,
		JobID:        jobID,
		DownloadPath: destPath,
	}, u.logger)
}

func (u *uploader) transport(uploadURL string, format network.WireFormat) network.Transport {
	if u.newTransport != nil {
		return u.newTransport(uploadURL, format)
	}
	return network.NewClient(nil, uploadURL, format, u.logger)
}

func wireFormatFor(d scheduler.Discipline) network.WireFormat {
	if d == scheduler.Sequential {
		return network.WireOrdered
	}
	return network.WireBatched
}

func (u *uploader) createConfig(input Input) (jobConfig, error) {
	if strings.TrimSpace(input.Path) == "" {
		return jobConfig{}, fmt.Errorf("source path should not be empty")
	}
	if strings.TrimSpace(input.ProjectID) == "" {
		return jobConfig{}, fmt.Errorf("project ID should not be empty")
	}

	sourcePath, err := resolvePath(input.Path)
	if err != nil {
		return jobConfig{}, fmt.Errorf("failed to resolve source path: %w", err)
	}

	fileInfo, err := os.Stat(sourcePath)
	if err != nil {
		return jobConfig{}, fmt.Errorf("stat source: %w", err)
	}
	if fileInfo.IsDir() {
		return jobConfig{}, fmt.Errorf("source path %s is a directory", sourcePath)
	}
	u.logger.Printf("Source size: %s", units.HumanSizeWithPrecision(float64(fileInfo.Size()), 3))

	apiBaseURL := u.envRepo.Get(apiURLEnvKey)
	if apiBaseURL == "" {
		return jobConfig{}, fmt.Errorf("the secret '%s' is not defined", apiURLEnvKey)
	}
	accessToken := u.envRepo.Get(accessTokenEnvKey)
	if accessToken == "" {
		return jobConfig{}, fmt.Errorf("the secret '%s' is not defined", accessTokenEnvKey)
	}

	maxConcurrency := input.MaxConcurrency
	if maxConcurrency == 0 {
		maxConcurrency = scheduler.DefaultConcurrency()
	}
	if maxConcurrency < 1 {
		return jobConfig{}, fmt.Errorf("max concurrency should be at least 1")
	}
	if input.MaxRetries < 0 {
		return jobConfig{}, fmt.Errorf("max retries should not be negative")
	}

	chunkSize, err := parseChunkSize(input.ChunkSize, fileInfo.Size(), maxConcurrency)
	if err != nil {
		return jobConfig{}, err
	}

	discipline := scheduler.Parallel
	if input.ForceSequential || fileInfo.Size() <= parallelSizeThreshold {
		discipline = scheduler.Sequential
	}

	return jobConfig{
		SourcePath:     sourcePath,
		SourceSize:     fileInfo.Size(),
		FileName:       filepath.Base(sourcePath),
		ChunkSize:      chunkSize,
		MaxConcurrency: maxConcurrency,
		Discipline:     discipline,
		APIBaseURL:     apiBaseURL,
		AccessToken:    Secret(accessToken),
	}, nil
}

// resolvePath expands a glob pattern to the single file it matches.
func resolvePath(path string) (string, error) {
	if !strings.Contains(path, "*") {
		return filepath.Abs(path)
	}

	base, pattern := doublestar.SplitPattern(path)
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}

	matches, err := doublestar.Glob(os.DirFS(absBase), pattern)
	if err != nil {
		return "", fmt.Errorf("glob %s: %w", path, err)
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no file matches %s", path)
	case 1:
		return filepath.Join(absBase, matches[0]), nil
	default:
		return "", fmt.Errorf("%d files match %s, expected exactly one", len(matches), path)
	}
}

func parseChunkSize(value string, sourceSize int64, concurrency int) (int64, error) {
	switch strings.TrimSpace(value) {
	case "":
		value = defaultChunkSize
	case "auto":
		return chunkplan.OptimalChunkSizeBytes(sourceSize, concurrency), nil
	}

	chunkSize, err := units.RAMInBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid chunk size %q: %w", value, err)
	}
	if chunkSize <= 0 {
		return 0, chunkplan.ErrInvalidChunkSize
	}
	return chunkSize, nil
}

func logResponseMessage(response network.AcknowledgeJobResponse, logger log.Logger) {
	if response.Message == "" || response.Severity == "" {
		return
	}

	var loggerFn func(format string, v ...interface{})
	switch response.Severity {
	case "debug":
		loggerFn = logger.Debugf
	case "info":
		loggerFn = logger.Infof
	case "warning":
		loggerFn = logger.Warnf
	case "error":
		loggerFn = logger.Errorf
	default:
		loggerFn = logger.Printf
	}

	loggerFn(response.Message)
}
