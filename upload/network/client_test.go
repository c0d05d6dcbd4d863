package network

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/go-uploadutils/upload/chunkplan"
)

func testChunk(index, total int, payload []byte, isLast bool) Chunk {
	return Chunk{
		Range: chunkplan.Range{
			Index:       index,
			TotalChunks: total,
			Size:        int64(len(payload)),
			IsLast:      isLast,
		},
		Payload: payload,
	}
}

func testMetadata() Metadata {
	return Metadata{
		ProjectID:       "proj-1",
		ProjectName:     "Launch video",
		FileName:        "launch.mp4",
		Description:     "Q3 launch recording",
		SourceType:      "video",
		TargetPlatforms: []string{"youtube", "tiktok"},
		AIPrompt:        "find the highlights",
		ProcessingOptions: map[string]interface{}{
			"resolution": "1080p",
		},
		NumClips: 3,
	}
}

func TestClient_Send_OrderedFields(t *testing.T) {
	var form map[string][]string
	var chunkData []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(32<<20))
		form = r.MultipartForm.Value

		file, _, err := r.FormFile("chunkData")
		require.NoError(t, err)
		chunkData, err = io.ReadAll(file)
		require.NoError(t, err)

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success":true,"processingStarted":true,"nextStep":"await-processing","message":"ok"}`)) //nolint:errcheck
	}))
	defer server.Close()

	client := NewClient(nil, server.URL, WireOrdered, log.NewLogger())
	defer client.CloseIdleConnections()

	payload := []byte("chunk-payload-bytes")
	out := client.Send(context.Background(), testChunk(2, 5, payload, false), testMetadata(), 5*time.Second)

	require.True(t, out.Success)
	assert.Equal(t, 2, out.ChunkIndex)
	assert.Equal(t, http.StatusOK, out.StatusCode)
	assert.Equal(t, payload, chunkData)

	assert.Equal(t, []string{"2"}, form["chunkIndex"])
	assert.Equal(t, []string{"5"}, form["totalChunks"])
	assert.Equal(t, []string{"launch.mp4"}, form["fileName"])
	assert.Equal(t, []string{"proj-1"}, form["projectId"])
	assert.Equal(t, []string{"Launch video"}, form["projectName"])
	assert.Equal(t, []string{"video"}, form["sourceType"])
	assert.Equal(t, []string{`["youtube","tiktok"]`}, form["targetPlatforms"])
	assert.Equal(t, []string{"find the highlights"}, form["aiPrompt"])
	assert.Equal(t, []string{`{"resolution":"1080p"}`}, form["processingOptions"])
	assert.Equal(t, []string{"3"}, form["numClips"])
	assert.JSONEq(t, `{"success":true,"processingStarted":true,"nextStep":"await-processing","message":"ok"}`, string(out.ServerPayload))
}

func TestClient_Send_BatchedFields(t *testing.T) {
	var form map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(32<<20))
		form = r.MultipartForm.Value

		_, _, err := r.FormFile("chunk")
		require.NoError(t, err)

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"segmentsDetected":12}`)) //nolint:errcheck
	}))
	defer server.Close()

	client := NewClient(nil, server.URL, WireBatched, log.NewLogger())
	defer client.CloseIdleConnections()

	out := client.Send(context.Background(), testChunk(4, 5, []byte("tail"), true), testMetadata(), 5*time.Second)

	require.True(t, out.Success)
	assert.Equal(t, []string{"proj-1-4"}, form["chunkId"])
	assert.Equal(t, []string{"4"}, form["chunkIndex"])
	assert.Equal(t, []string{"5"}, form["totalChunks"])
	assert.Equal(t, []string{"true"}, form["isLastChunk"])
	require.Len(t, form["projectData"], 1)
	assert.Contains(t, form["projectData"][0], `"projectId":"proj-1"`)
	assert.Contains(t, form["projectData"][0], `"numClips":3`)
	assert.JSONEq(t, `{"segmentsDetected":12}`, string(out.ServerPayload))
}

func TestClient_Send_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"storage backend unavailable"}`)) //nolint:errcheck
	}))
	defer server.Close()

	client := NewClient(nil, server.URL, WireOrdered, log.NewLogger())
	defer client.CloseIdleConnections()

	out := client.Send(context.Background(), testChunk(0, 1, []byte("x"), true), testMetadata(), 5*time.Second)

	require.False(t, out.Success)
	require.NotNil(t, out.Err)
	assert.Equal(t, KindHTTP, out.Err.Kind)
	assert.True(t, out.Err.Retryable())
	assert.Equal(t, http.StatusBadGateway, out.StatusCode)
	assert.Contains(t, out.Err.Message, "storage backend unavailable")
}

func TestClient_Send_ApplicationError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success":false,"error":"chunk hash mismatch"}`)) //nolint:errcheck
	}))
	defer server.Close()

	client := NewClient(nil, server.URL, WireOrdered, log.NewLogger())
	defer client.CloseIdleConnections()

	out := client.Send(context.Background(), testChunk(0, 1, []byte("x"), true), testMetadata(), 5*time.Second)

	require.False(t, out.Success)
	require.NotNil(t, out.Err)
	assert.Equal(t, KindApplication, out.Err.Kind)
	assert.True(t, out.Err.Retryable())
	assert.Contains(t, out.Err.Message, "chunk hash mismatch")
}

func TestClient_Send_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(3 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(nil, server.URL, WireOrdered, log.NewLogger())
	defer client.CloseIdleConnections()

	start := time.Now()
	out := client.Send(context.Background(), testChunk(0, 1, []byte("x"), true), testMetadata(), 100*time.Millisecond)

	require.False(t, out.Success)
	require.NotNil(t, out.Err)
	assert.Equal(t, KindTimeout, out.Err.Kind)
	assert.False(t, out.Err.Retryable())
	assert.True(t, IsTimeout(out))
	assert.Less(t, time.Since(start), 2*time.Second, "Send must not hang past the deadline")
}

func TestClient_Send_NetworkError(t *testing.T) {
	// Point at a closed server to trigger a connection failure.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewClient(nil, url, WireOrdered, log.NewLogger())

	out := client.Send(context.Background(), testChunk(0, 1, []byte("x"), true), testMetadata(), 5*time.Second)

	require.False(t, out.Success)
	require.NotNil(t, out.Err)
	assert.Equal(t, KindNetwork, out.Err.Kind)
	assert.True(t, out.Err.Retryable())
}

func TestTimeoutForSize(t *testing.T) {
	floor := 30 * time.Second
	perMiB := 10 * time.Second

	assert.Equal(t, floor, TimeoutForSize(1024, perMiB, floor), "tiny chunks use the floor")
	assert.Equal(t, 50*time.Second, TimeoutForSize(5*1024*1024, perMiB, floor))
	assert.Equal(t, 1000*time.Second, TimeoutForSize(100*1024*1024, perMiB, floor))
}
