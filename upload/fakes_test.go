package upload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clipforge/go-uploadutils/upload/network"
)

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	value, ok := repo.envVars[key]
	if ok {
		return value
	}
	return ""
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	repo.envVars[key] = ""
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

// fakeTransport accepts every chunk and records what it saw.
type fakeTransport struct {
	uploadURL string
	format    network.WireFormat

	mu     sync.Mutex
	chunks []network.Chunk
	meta   network.Metadata
}

func (f *fakeTransport) Send(ctx context.Context, chunk network.Chunk, meta network.Metadata, timeout time.Duration) network.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, chunk)
	f.meta = meta

	return network.Outcome{
		ChunkIndex: chunk.Index,
		Success:    true,
		StatusCode: 200,
	}
}
