package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/carbonetes/mltaskd/internal/artifacts"
	"github.com/carbonetes/mltaskd/internal/cluster"
	"github.com/carbonetes/mltaskd/internal/cluster/dryrun"
	"github.com/carbonetes/mltaskd/internal/core"
	"github.com/carbonetes/mltaskd/internal/notify"
	"github.com/carbonetes/mltaskd/internal/telemetry"
	v1 "github.com/carbonetes/mltaskd/pkg/api"
)

type testServer struct {
	svc       *core.Service
	submitter *dryrun.Submitter
	http      *httptest.Server
	client    *Client
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	store, err := artifacts.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	sub := dryrun.New(cluster.PhaseUnknown)
	hub := notify.NewHub(16)
	svc, err := core.NewService(core.ServiceConfig{Namespace: "default"}, core.NewMemStore(), store, sub,
		core.WithPublisher(hub), core.WithArtifactKey(artifacts.Key))
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	mon := telemetry.NewMonitor(telemetry.GetGlobal())
	mon.RegisterHealthCheck("store", telemetry.PingCheck("store", svc.Ping))

	srv := &Server{Version: "test", Service: svc, Events: hub, Monitor: mon, Token: token}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		hub.Close()
		_ = svc.Close(context.Background())
	})
	return &testServer{svc: svc, submitter: sub, http: ts, client: NewClient(ts.URL, token)}
}

func TestSubmitExampleScenario(t *testing.T) {
	ts := newTestServer(t, "")
	ctx := context.Background()

	task, err := ts.client.Submit(ctx, SubmitRequest{
		Name:        "resnet-run",
		DatasetSize: "50000",
		LabelCount:  "10",
		CodeText:    "batch_size=64",
		DataShape:   "3,32,32",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if task.DatasetSize != 50000 || task.LabelCount != 10 || task.Status != v1.TaskReady {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.TaskNameUser != "resnet-run" || task.DataShape != "3,32,32" || task.CodeType != "text" {
		t.Errorf("unexpected fields: %+v", task)
	}

	ts.svc.Wait()
	got, err := ts.client.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != v1.TaskDispatched || got.TaskName != "mltask-"+task.ID {
		t.Fatalf("expected dispatched mltask-%s, got %s %q", task.ID, got.Status, got.TaskName)
	}
	if ts.submitter.Len() != 1 {
		t.Errorf("expected one workload, got %d", ts.submitter.Len())
	}
}

func TestSubmitStatusCode(t *testing.T) {
	ts := newTestServer(t, "")
	resp, err := http.PostForm(ts.http.URL+"/api/tasks", map[string][]string{
		"taskname_user": {"mnist"},
		"dataset_size":  {"60000"},
		"label_count":   {"10"},
		"codeType":      {"text"},
		"codeText":      {"print(1)"},
		"data_shape":    {"784"},
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), `"message":"registered"`) || !strings.Contains(string(body), `"newTask"`) {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestSubmitValidation(t *testing.T) {
	ts := newTestServer(t, "")
	ctx := context.Background()

	_, err := ts.client.Submit(ctx, SubmitRequest{DatasetSize: "abc", LabelCount: "10", CodeText: "x"})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Code != http.StatusBadRequest || se.Body.Field != "dataset_size" {
		t.Fatalf("expected 400 on dataset_size, got %d %+v", se.Code, se.Body)
	}

	tasks, err := ts.client.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("rejected submission was stored: %+v", tasks)
	}
	if ts.submitter.Len() != 0 {
		t.Fatalf("rejected submission was dispatched")
	}
}

func TestSubmitCodeFile(t *testing.T) {
	ts := newTestServer(t, "")
	dir := t.TempDir()
	code := filepath.Join(dir, "train.py")
	sample := filepath.Join(dir, "sample.csv")
	if err := os.WriteFile(code, []byte("import torch\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(sample, []byte("1,2,3\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	task, err := ts.client.Submit(context.Background(), SubmitRequest{
		Name: "uploaded", DatasetSize: "10", LabelCount: "2", DataShape: "3", CodeFile: code, SampleData: sample,
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if task.CodeType != "file" || task.CodeFileName != "train.py" || task.SampleDataName != "sample.csv" {
		t.Fatalf("unexpected upload fields: %+v", task)
	}
	ts.svc.Wait()
	got, _ := ts.client.Get(context.Background(), task.ID)
	if got.Status != v1.TaskDispatched {
		t.Fatalf("expected dispatched, got %s (%s)", got.Status, got.StatusReason)
	}
}

func TestListShape(t *testing.T) {
	ts := newTestServer(t, "")
	resp, err := http.Get(ts.http.URL + "/api/tasks")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != `{"tasks":[]}` {
		t.Fatalf("unexpected empty list: %d %s", resp.StatusCode, body)
	}

	ctx := context.Background()
	for _, name := range []string{"first", "second"} {
		if _, err := ts.client.Submit(ctx, SubmitRequest{Name: name, DatasetSize: "1", LabelCount: "1", CodeText: "x"}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	tasks, err := ts.client.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(tasks) != 2 || tasks[0].TaskNameUser != "second" {
		t.Fatalf("expected most recent first, got %+v", tasks)
	}
}

func TestGetMissing(t *testing.T) {
	ts := newTestServer(t, "")
	_, err := ts.client.Get(context.Background(), "nope")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestTokenAuth(t *testing.T) {
	ts := newTestServer(t, "s3cret")

	resp, err := http.Get(ts.http.URL + "/api/tasks")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	if _, err := ts.client.List(context.Background()); err != nil {
		t.Fatalf("List with token failed: %v", err)
	}

	// health stays public
	resp, err = http.Get(ts.http.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", resp.StatusCode)
	}
}

func TestMTLSMiddlewareRequiresCert(t *testing.T) {
	h := MTLSMiddleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	MTLSMiddleware(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}
}

func TestConfigureTLSRequiresPair(t *testing.T) {
	if _, err := ConfigureTLS(core.TLSConfig{Cert: "cert.pem"}); err == nil {
		t.Fatalf("expected error without key")
	}
}
