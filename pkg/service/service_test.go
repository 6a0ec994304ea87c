package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/inject"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubDispatcher records the workflow file it was handed and returns fixed
// artifact bytes.
type stubDispatcher struct {
	artifact    []byte
	healthErr   error
	runErr      error
	gotDocument graph.Document
}

func (d *stubDispatcher) Run(_ context.Context, workflowPath string) ([]byte, error) {
	if d.runErr != nil {
		return nil, d.runErr
	}
	data, err := os.ReadFile(workflowPath)
	if err != nil {
		return nil, err
	}
	doc, err := graph.Parse(data)
	if err != nil {
		return nil, err
	}
	d.gotDocument = doc
	return d.artifact, nil
}

func (d *stubDispatcher) Health(context.Context) error {
	return d.healthErr
}

func testWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "workflows", "txt2img")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "workflow_api.json"), []byte(`{
		"6": {"class_type": "CLIPTextEncode", "inputs": {"text": ""}},
		"9": {"class_type": "SaveImage", "inputs": {"filename_prefix": "ComfyUI"}}
	}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mappings.json"), []byte(`{
		"prompt": {"node_id": "6", "subfield": "text"}
	}`), 0o644))
	return root
}

func testServer(t *testing.T, dispatch Dispatcher) *Server {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	cfg := Config{
		WorkspaceRoot:       testWorkspace(t),
		WorkDir:             t.TempDir(),
		MaxInputs:           2,
		RequestTimeout:      5 * time.Second,
		DefaultWorkflow:     "txt2img",
		ArtifactContentType: "image/jpeg",
	}
	return NewServer(cfg, inject.NewEngine(nil, "", logger), dispatch, nil, nil, logger)
}

func postRender(t *testing.T, router *gin.Engine, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRenderHappyPath(t *testing.T) {
	dispatch := &stubDispatcher{artifact: []byte{0xff, 0xd8, 0xff}}
	server := testServer(t, dispatch)
	router := server.Router()

	w := postRender(t, router, map[string]interface{}{
		"workflow": "txt2img",
		"args":     map[string]interface{}{"prompt": "a cat"},
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, w.Body.Bytes())
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Empty(t, w.Header().Get("X-Inject-Warnings"))

	require.NotNil(t, dispatch.gotDocument)
	assert.Equal(t, "a cat", dispatch.gotDocument["6"].Groups[graph.InputsGroup]["text"])

	prefix := dispatch.gotDocument["9"].Groups[graph.InputsGroup]["filename_prefix"]
	assert.Equal(t, w.Header().Get("X-Request-ID"), prefix,
		"save node must be stamped with the request id")
}

func TestRenderDefaultsWorkflowName(t *testing.T) {
	dispatch := &stubDispatcher{artifact: []byte("img")}
	server := testServer(t, dispatch)

	w := postRender(t, server.Router(), map[string]interface{}{
		"args": map[string]interface{}{"prompt": "x"},
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRenderUnknownWorkflowIs404(t *testing.T) {
	server := testServer(t, &stubDispatcher{artifact: []byte("img")})

	w := postRender(t, server.Router(), map[string]interface{}{
		"workflow": "does-not-exist",
		"args":     map[string]interface{}{},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRenderSurfacesWarningsHeader(t *testing.T) {
	dispatch := &stubDispatcher{artifact: []byte("img")}
	server := testServer(t, dispatch)

	w := postRender(t, server.Router(), map[string]interface{}{
		"workflow": "txt2img",
		"args":     map[string]interface{}{"prompt": "x", "bogus": 1},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("X-Inject-Warnings"), "bogus")
}

func TestRenderMalformedBodyIs400(t *testing.T) {
	server := testServer(t, &stubDispatcher{})
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("{")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRenderWorkflowFileIsCleanedUp(t *testing.T) {
	dispatch := &stubDispatcher{artifact: []byte("img")}
	server := testServer(t, dispatch)

	w := postRender(t, server.Router(), map[string]interface{}{
		"workflow": "txt2img",
		"args":     map[string]interface{}{"prompt": "x"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	entries, err := os.ReadDir(server.cfg.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "per-request workflow files must not accumulate")
}

func TestHealthz(t *testing.T) {
	server := testServer(t, &stubDispatcher{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	sick := testServer(t, &stubDispatcher{healthErr: assert.AnError})
	w = httptest.NewRecorder()
	sick.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
