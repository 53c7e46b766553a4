package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alienpimp/apexd/internal/engine"
	"github.com/alienpimp/apexd/internal/orchestrator"
	"github.com/alienpimp/apexd/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	engines := engine.NewRegistry()
	engines.Register(engine.Native{})
	engines.Register(engine.PyEnv{})
	engines.Register(engine.Deb{})

	base := t.TempDir()
	reg := prometheus.NewRegistry()
	orc := orchestrator.New(st, engines, orchestrator.Options{
		Workers:    1,
		Workspaces: filepath.Join(base, "workspaces"),
		Artifacts:  filepath.Join(base, "artifacts"),
		Metrics:    reg,
	})
	require.NoError(t, orc.Start(context.Background()))
	t.Cleanup(orc.Stop)

	srv := New(Config{Metrics: reg}, st, orc, engines)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return ts, st
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, url, payload)
	require.NoError(t, err)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func seedSource(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "input.txt"), []byte("source\n"), 0o644))
	return dir
}

func TestStatusEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	status := decode[statusResponse](t, resp)
	assert.True(t, status.Running)
	assert.Equal(t, os.Getpid(), status.Pid)
	assert.Contains(t, status.Engines, "native")
	assert.Contains(t, status.Engines, "deb")
	assert.NotNil(t, status.Builds)
}

func TestPackageEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	pkg := store.Package{
		Name:       "widget",
		Version:    "1.0.0",
		Source:     seedSource(t),
		SourceType: store.SourceLocal,
	}

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/packages", pkg)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[store.Package](t, resp)
	assert.Equal(t, "widget", created.Name)
	assert.False(t, created.CreatedAt.IsZero())

	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/packages", store.Package{
		Name: "bad", Version: "1.0.0", SourceType: "floppy",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	problem := decode[map[string]string](t, resp)
	assert.Contains(t, problem["error"], "floppy")

	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/packages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]store.Package](t, resp), 1)

	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/packages/widget/1.0.0", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/packages/widget/9.9.9", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, ts.URL+"/v1/packages/widget/1.0.0", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/packages/widget/1.0.0", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestTemplateEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	tpl := store.Template{
		Name: "recipe",
		Kind: store.KindSetupScript,
		Body: "echo v1\n",
	}

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/templates", tpl)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, 1, decode[store.Template](t, resp).Version)

	tpl.Body = "echo v2\n"
	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/templates", tpl)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, 2, decode[store.Template](t, resp).Version)

	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/templates/recipe", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	latest := decode[store.Template](t, resp)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, "echo v2\n", latest.Body)

	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/templates/recipe?version=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "echo v1\n", decode[store.Template](t, resp).Body)

	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/templates/recipe?version=nope", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/templates", store.Template{
		Name: "bad", Kind: "mystery", Body: "true\n",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, ts.URL+"/v1/templates/recipe", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/templates/recipe", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestBuildEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/packages", store.Package{
		Name: "widget", Version: "1.0.0",
		Source: seedSource(t), SourceType: store.SourceLocal,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/templates", store.Template{
		Name: "recipe", Kind: store.KindSetupScript,
		Body: "echo building {{.Name}}\necho out > \"{{.ArtifactDir}}/widget.bin\"\n",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/builds", orchestrator.SubmitRequest{
		PackageName: "widget", PackageVersion: "1.0.0", TemplateName: "recipe",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	b := decode[store.Build](t, resp)
	assert.Equal(t, store.StatusPending, b.Status)

	var done store.Build
	require.Eventually(t, func() bool {
		resp := doJSON(t, http.MethodGet, ts.URL+"/v1/builds/"+b.ID, nil)
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return false
		}
		done = decode[store.Build](t, resp)
		return done.Status == store.StatusSucceeded
	}, 10*time.Second, 25*time.Millisecond)
	assert.NotEmpty(t, done.Artifact)

	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/builds/"+b.ID+"/log", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	log, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(log), "building widget")

	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/builds?status=succeeded&package=widget", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]store.Build](t, resp), 1)

	// Terminal builds cannot be canceled.
	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/builds/"+b.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/builds/no-such-build", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/builds", orchestrator.SubmitRequest{
		PackageName: "ghost", PackageVersion: "1.0.0", TemplateName: "recipe",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, ts.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "apexd_builds"),
		"expected build metrics to be registered")
}
