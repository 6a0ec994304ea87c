package assets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	daederrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

func testResolver(t *testing.T) *Resolver {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	return NewResolver(Config{
		MaxAttempts:   3,
		RetryInterval: 10 * time.Millisecond,
		HTTPTimeout:   5 * time.Second,
	}, nil, "", logger)
}

func TestResolveDownloadsAndStreams(t *testing.T) {
	payload := strings.Repeat("weights", 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// httptest sets Content-Length for buffered writes, exercising the streaming path
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "models", "checkpoints", "sd15.safetensors")
	got, err := testResolver(t).Resolve(context.Background(), srv.URL+"/sd15.safetensors", dest, false)
	require.NoError(t, err)
	assert.Equal(t, dest, got)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))

	_, err = os.Stat(dest + partialSuffix)
	assert.True(t, os.IsNotExist(err), "partial file must not remain after completion")
}

func TestResolveUnknownLengthFallsBackToBufferedWrite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// flushing before writing forces chunked encoding with no Content-Length
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		w.Write([]byte("chunked-body"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "asset.bin")
	_, err := testResolver(t).Resolve(context.Background(), srv.URL, dest, false)
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "chunked-body", string(data))
}

func TestResolveExistingFileSkipsFetch(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Write([]byte("fresh"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "cached.bin")
	require.NoError(t, os.WriteFile(dest, []byte("cached"), 0o644))

	r := testResolver(t)
	_, err := r.Resolve(context.Background(), srv.URL, dest, false)
	require.NoError(t, err)
	assert.Equal(t, int32(0), hits.Load())

	data, _ := os.ReadFile(dest)
	assert.Equal(t, "cached", string(data))

	// force re-fetches
	_, err = r.Resolve(context.Background(), srv.URL, dest, true)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	data, _ = os.ReadFile(dest)
	assert.Equal(t, "fresh", string(data))
}

func TestResolveNotFoundIsPermanent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "missing.bin")
	_, err := testResolver(t).Resolve(context.Background(), srv.URL, dest, false)
	assert.ErrorIs(t, err, daederrors.ErrAssetNotFound)
	assert.Equal(t, int32(1), hits.Load(), "404 must not be retried")

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestResolveServerErrorIsRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "flaky.bin")
	_, err := testResolver(t).Resolve(context.Background(), srv.URL, dest, false)
	assert.ErrorIs(t, err, daederrors.ErrFetch)
	assert.Equal(t, int32(3), hits.Load(), "transport failures retry up to MaxAttempts")
}

func TestResolveRecoversAfterTransientFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "eventually.bin")
	_, err := testResolver(t).Resolve(context.Background(), srv.URL, dest, false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestResolveSerializesSameDestination(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := inFlight.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		w.Write([]byte("shared"))
	}))
	defer srv.Close()

	r := testResolver(t)
	dest := filepath.Join(t.TempDir(), "shared.bin")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(context.Background(), srv.URL, dest, false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load(), "fetches for one destination must not overlap")
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "shared", string(data))
}

func TestResolveAllPreservesOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("content of " + req.URL.Path))
	}))
	defer srv.Close()

	dir := t.TempDir()
	refs := []string{srv.URL + "/first.png", srv.URL + "/second.png"}
	paths, err := testResolver(t).ResolveAll(context.Background(), refs, dir)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, filepath.Join(dir, "first.png"), paths[0])
	assert.Equal(t, filepath.Join(dir, "second.png"), paths[1])
}

func TestTargetFilename(t *testing.T) {
	tests := []struct {
		name      string
		reference string
		want      string
	}{
		{
			name:      "plain URL",
			reference: "https://example.com/models/sd15.safetensors",
			want:      "sd15.safetensors",
		},
		{
			name:      "query string stripped",
			reference: "https://example.com/input.png?token=abc&expires=123",
			want:      "input.png",
		},
		{
			name:      "percent-encoded and diacritics folded",
			reference: "https://example.com/mod%C3%A8le%20final.ckpt",
			want:      "modele-final.ckpt",
		},
		{
			name:      "unsafe runes replaced",
			reference: "https://example.com/a<b>:c|d.png",
			want:      "a-b--c-d.png",
		},
		{
			name:      "empty path",
			reference: "https://example.com/",
			want:      "asset",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TargetFilename(tt.reference))
		})
	}
}

func TestTargetFilenameTruncationPreservesExtension(t *testing.T) {
	long := strings.Repeat("x", 500)
	got := TargetFilename("https://example.com/" + long + ".safetensors")
	assert.LessOrEqual(t, len(got), maxFilenameLength)
	assert.True(t, strings.HasSuffix(got, ".safetensors"))
}
