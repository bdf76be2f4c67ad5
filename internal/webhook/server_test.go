package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/accession/internal/batchqueue"
	"github.com/mattjoyce/accession/internal/config"
)

const hookSecret = "test-secret"

type mockQueue struct {
	calls     []string
	enqueueFn func(ctx context.Context, dir string) (batchqueue.Handle, error)
}

func (m *mockQueue) Enqueue(ctx context.Context, dir string) (batchqueue.Handle, error) {
	m.calls = append(m.calls, dir)
	if m.enqueueFn != nil {
		return m.enqueueFn(ctx, dir)
	}
	return batchqueue.Handle{Name: "20261017T000000-carol", Area: batchqueue.AreaQueued, Dir: "/q/queued/20261017T000000-carol"}, nil
}

func newTestServer(mq *mockQueue, root string) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{
		Listen: "127.0.0.1:0",
		Endpoints: []EndpointConfig{{
			Path:        "/hooks/scan",
			Secret:      hookSecret,
			StagingRoot: root,
		}},
	}, mq, logger)
}

func post(t *testing.T, s *Server, path string, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(DefaultSignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHookEnqueuesSignedBatch(t *testing.T) {
	mq := &mockQueue{}
	s := newTestServer(mq, "/srv/staging")
	body := []byte(`{"dir":"/srv/staging/run-42/"}`)

	rec := post(t, s, "/hooks/scan", body, Sign(body, hookSecret))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp TriggerResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Batch != "20261017T000000-carol" {
		t.Errorf("batch = %q", resp.Batch)
	}
	if len(mq.calls) != 1 || mq.calls[0] != "/srv/staging/run-42" {
		t.Errorf("enqueued %v", mq.calls)
	}
}

func TestHookRejectsBadSignatures(t *testing.T) {
	body := []byte(`{"dir":"/srv/staging/run-1"}`)
	for name, sig := range map[string]string{
		"missing": "",
		"wrong":   Sign(body, "other-secret"),
		"garbage": "sha256=not-hex",
	} {
		t.Run(name, func(t *testing.T) {
			mq := &mockQueue{}
			rec := post(t, newTestServer(mq, "/srv/staging"), "/hooks/scan", body, sig)
			if rec.Code != http.StatusForbidden {
				t.Fatalf("status = %d, want 403", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), `"forbidden"`) {
				t.Errorf("body = %s", rec.Body)
			}
			if len(mq.calls) != 0 {
				t.Errorf("queue called on rejected hook")
			}
		})
	}
}

func TestHookConfinesDirectories(t *testing.T) {
	tests := []struct {
		dir  string
		want int
	}{
		{dir: "/srv/staging/a/b", want: http.StatusAccepted},
		{dir: "/srv/staging", want: http.StatusBadRequest},
		{dir: "/srv/staging/../etc", want: http.StatusBadRequest},
		{dir: "/srv/stagingx/run", want: http.StatusBadRequest},
		{dir: "relative/run", want: http.StatusBadRequest},
		{dir: "", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.dir, func(t *testing.T) {
			body := []byte(fmt.Sprintf(`{"dir":%q}`, tt.dir))
			rec := post(t, newTestServer(&mockQueue{}, "/srv/staging"), "/hooks/scan", body, Sign(body, hookSecret))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestHookPayloadLimitsAndErrors(t *testing.T) {
	mq := &mockQueue{}
	s := New(Config{Endpoints: []EndpointConfig{{Path: "/hooks/small", Secret: hookSecret, MaxBodySize: 16}}},
		mq, slog.New(slog.NewTextHandler(io.Discard, nil)))
	big := []byte(`{"dir":"/srv/staging/a-long-directory-name"}`)
	if rec := post(t, s, "/hooks/small", big, Sign(big, hookSecret)); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized status = %d", rec.Code)
	}

	s = newTestServer(mq, "")
	junk := []byte(`not json`)
	if rec := post(t, s, "/hooks/scan", junk, Sign(junk, hookSecret)); rec.Code != http.StatusBadRequest {
		t.Fatalf("junk status = %d", rec.Code)
	}
	if rec := post(t, s, "/hooks/unknown", junk, Sign(junk, hookSecret)); rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("unknown path status = %d", rec.Code)
	}

	mq.enqueueFn = func(context.Context, string) (batchqueue.Handle, error) {
		return batchqueue.Handle{}, fmt.Errorf("%w: no manifest", batchqueue.ErrInvalidBatch)
	}
	body := []byte(`{"dir":"/anywhere/run"}`)
	if rec := post(t, s, "/hooks/scan", body, Sign(body, hookSecret)); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid batch status = %d", rec.Code)
	}
}

func TestHookEnqueuesIntoRealQueue(t *testing.T) {
	root := t.TempDir()
	q, err := batchqueue.New(filepath.Join(root, "batches"))
	if err != nil {
		t.Fatal(err)
	}
	staging := filepath.Join(root, "staging")
	prepared := filepath.Join(staging, "run-1")
	if err := os.MkdirAll(prepared, 0o755); err != nil {
		t.Fatal(err)
	}
	err = batchqueue.WriteManifest(prepared, &batchqueue.Manifest{
		Submitter:  "carol",
		Placements: []batchqueue.Placement{{Object: "obj:1", Parent: "coll:1"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := FromGlobalConfig(config.HooksConfig{
		Listen:    "127.0.0.1:0",
		Endpoints: []config.HookEndpoint{{Path: "/hooks/scan", Secret: hookSecret, StagingRoot: staging, MaxBodySize: "4KB"}},
	})
	if err != nil {
		t.Fatalf("FromGlobalConfig: %v", err)
	}
	s := New(cfg, q, slog.New(slog.NewTextHandler(io.Discard, nil)))

	body, _ := json.Marshal(TriggerRequest{Dir: prepared})
	rec := post(t, s, "/hooks/scan", body, Sign(body, hookSecret))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body)
	}
	n, err := q.ReadyCount(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("ready = %d, %v", n, err)
	}
	if _, err := os.Stat(prepared); !os.IsNotExist(err) {
		t.Errorf("prepared dir still present: %v", err)
	}
}

func TestFromGlobalConfigRejectsBadSize(t *testing.T) {
	_, err := FromGlobalConfig(config.HooksConfig{
		Endpoints: []config.HookEndpoint{{Path: "/h", Secret: "s", MaxBodySize: "huge"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
}
