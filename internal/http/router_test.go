package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"log/slog"

	"github.com/jnoller/racer/internal/domain"
	"github.com/jnoller/racer/internal/manifest"
	"github.com/jnoller/racer/internal/orchestrator"
	"github.com/jnoller/racer/internal/ws"
)

// stubService lets each test override just the methods it exercises.
type stubService struct {
	run      func(ctx context.Context, req orchestrator.RunRequest) (*orchestrator.RunResult, error)
	stop     func(ctx context.Context, identifier string) (*orchestrator.OpResult, error)
	status   func(ctx context.Context, identifier string) (*orchestrator.StatusResult, error)
	logsFn   func(ctx context.Context, identifier string, tail int) (*orchestrator.LogsResult, error)
	scaleUp  func(ctx context.Context, name string, delta int) (*orchestrator.ScaleResult, error)
	degraded bool
}

func (s *stubService) Run(ctx context.Context, req orchestrator.RunRequest) (*orchestrator.RunResult, error) {
	if s.run != nil {
		return s.run(ctx, req)
	}
	return &orchestrator.RunResult{Success: true}, nil
}

func (s *stubService) Stop(ctx context.Context, identifier string) (*orchestrator.OpResult, error) {
	if s.stop != nil {
		return s.stop(ctx, identifier)
	}
	return &orchestrator.OpResult{Success: true}, nil
}

func (s *stubService) Remove(ctx context.Context, identifier string) (*orchestrator.OpResult, error) {
	return &orchestrator.OpResult{Success: true, ContainerID: identifier}, nil
}

func (s *stubService) Status(ctx context.Context, identifier string) (*orchestrator.StatusResult, error) {
	if s.status != nil {
		return s.status(ctx, identifier)
	}
	return &orchestrator.StatusResult{Success: true, Kind: "instance"}, nil
}

func (s *stubService) Logs(ctx context.Context, identifier string, tail int) (*orchestrator.LogsResult, error) {
	if s.logsFn != nil {
		return s.logsFn(ctx, identifier, tail)
	}
	return &orchestrator.LogsResult{Success: true}, nil
}

func (s *stubService) Rerun(ctx context.Context, identifier string, rebuild bool) (*orchestrator.RerunResult, error) {
	return &orchestrator.RerunResult{Success: true, OldContainerID: identifier}, nil
}

func (s *stubService) Scale(ctx context.Context, req orchestrator.ScaleRequest) (*orchestrator.ScaleResult, error) {
	return &orchestrator.ScaleResult{Success: true}, nil
}

func (s *stubService) ScaleUp(ctx context.Context, name string, delta int) (*orchestrator.ScaleResult, error) {
	if s.scaleUp != nil {
		return s.scaleUp(ctx, name, delta)
	}
	return &orchestrator.ScaleResult{Success: true}, nil
}

func (s *stubService) ScaleDown(ctx context.Context, name string, delta int) (*orchestrator.ScaleResult, error) {
	return &orchestrator.ScaleResult{Success: true}, nil
}

func (s *stubService) Cleanup(ctx context.Context) (*orchestrator.CleanupResult, error) {
	return &orchestrator.CleanupResult{Success: true}, nil
}

func (s *stubService) List(ctx context.Context) (*orchestrator.ListResult, error) {
	return &orchestrator.ListResult{Success: true}, nil
}

func (s *stubService) Containers(ctx context.Context) ([]domain.Instance, error) {
	return []domain.Instance{}, nil
}

func (s *stubService) Services(ctx context.Context) ([]domain.GroupState, error) {
	return []domain.GroupState{}, nil
}

func (s *stubService) ServiceStatus(ctx context.Context, name string) (*domain.GroupState, error) {
	return &domain.GroupState{Name: name}, nil
}

func (s *stubService) ServiceLogs(ctx context.Context, name string, tail int) (*orchestrator.LogsResult, error) {
	return &orchestrator.LogsResult{Success: true, Name: name}, nil
}

func (s *stubService) ServiceRemove(ctx context.Context, name string) (*orchestrator.OpResult, error) {
	return &orchestrator.OpResult{Success: true}, nil
}

func (s *stubService) Validate(path string) (*manifest.Result, error) {
	return &manifest.Result{Valid: true, ResolvedPath: path}, nil
}

func (s *stubService) ResolveContainer(ctx context.Context, identifier string) (string, error) {
	return identifier, nil
}

func (s *stubService) Degraded() bool { return s.degraded }

func newTestRouter(t *testing.T, svc orchestrator.Service) *Router {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRouter(logger, svc, ws.NewHub(), NewMemoryRateLimiter(), nil)
	t.Cleanup(r.Close)
	return r
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	return body
}

func TestRunEndpoint(t *testing.T) {
	svc := &stubService{
		run: func(ctx context.Context, req orchestrator.RunRequest) (*orchestrator.RunResult, error) {
			if req.Path != "/srv/demo" {
				t.Fatalf("unexpected path %q", req.Path)
			}
			return &orchestrator.RunResult{Success: true, Message: "project demo running"}, nil
		},
	}
	router := newTestRouter(t, svc)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/containers/run", strings.NewReader(`{"path":"/srv/demo"}`))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["success"] != true {
		t.Fatalf("expected success envelope, got %v", body)
	}
}

func TestRunRejectsInvalidJSON(t *testing.T) {
	router := newTestRouter(t, &stubService{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/containers/run", strings.NewReader(`{"path":`))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] != "validation_error" {
		t.Fatalf("expected validation_error category, got %v", body["error"])
	}
}

func TestErrorCategoryMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"validation", fmt.Errorf("%w: bad input", orchestrator.ErrValidation), http.StatusBadRequest},
		{"not found", fmt.Errorf("%w: nope", orchestrator.ErrNotFound), http.StatusNotFound},
		{"runtime down", fmt.Errorf("%w: daemon", orchestrator.ErrRuntimeUnreachable), http.StatusServiceUnavailable},
		{"cluster down", fmt.Errorf("%w: swarm", orchestrator.ErrClusterUnavailable), http.StatusServiceUnavailable},
		{"build failed", fmt.Errorf("%w: step 4", orchestrator.ErrBuildFailed), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubService{
				stop: func(ctx context.Context, identifier string) (*orchestrator.OpResult, error) {
					return nil, tc.err
				},
			}
			router := newTestRouter(t, svc)

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/containers/abc123/stop", nil)
			router.ServeHTTP(rec, req)

			if rec.Code != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, rec.Code)
			}
			body := decodeBody(t, rec)
			if body["success"] != false {
				t.Fatalf("failure envelope must carry success=false, got %v", body)
			}
		})
	}
}

func TestLogsTailParam(t *testing.T) {
	var gotTail int
	svc := &stubService{
		logsFn: func(ctx context.Context, identifier string, tail int) (*orchestrator.LogsResult, error) {
			gotTail = tail
			return &orchestrator.LogsResult{Success: true, Logs: "line"}, nil
		},
	}
	router := newTestRouter(t, svc)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/containers/abc123/logs?tail=42", nil)
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotTail != 42 {
		t.Fatalf("tail query parameter not forwarded, got %d", gotTail)
	}
}

func TestScaleUpNotFoundMessage(t *testing.T) {
	svc := &stubService{
		scaleUp: func(ctx context.Context, name string, delta int) (*orchestrator.ScaleResult, error) {
			return nil, fmt.Errorf("%w: replica group %q not found, scale it first", orchestrator.ErrNotFound, name)
		},
	}
	router := newTestRouter(t, svc)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/project/scale-up", strings.NewReader(`{"name":"ghost","delta":1}`))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	msg, _ := body["message"].(string)
	if !strings.Contains(msg, "not found") {
		t.Fatalf("message should mention not found, got %q", msg)
	}
}

func TestContainersListMethodGuard(t *testing.T) {
	router := newTestRouter(t, &stubService{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/containers", nil)
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHealthReflectsDegradedRuntime(t *testing.T) {
	router := newTestRouter(t, &stubService{degraded: true})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "degraded" {
		t.Fatalf("expected degraded status, got %v", body["status"])
	}
}

func TestDockerfileEndpoint(t *testing.T) {
	router := newTestRouter(t, &stubService{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/dockerfile", strings.NewReader(`{"path":"/srv/demo","custom_steps":["apt-get update"]}`))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if got, _ := body["path"].(string); got != "/srv/demo" {
		t.Fatalf("expected project path echoed back, got %q", got)
	}
	content, _ := body["dockerfile"].(string)
	if !strings.Contains(content, "RUN apt-get update") {
		t.Fatal("custom step missing from rendered Dockerfile")
	}
	if !strings.Contains(content, "continuumio/miniconda3") {
		t.Fatal("base image missing from rendered Dockerfile")
	}
}

func TestRateLimitEnforced(t *testing.T) {
	router := newTestRouter(t, &stubService{})

	var lastCode int
	for i := 0; i < rateLimitMutate+1; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/containers/run", strings.NewReader(`{"path":"/srv/demo"}`))
		req.RemoteAddr = "10.0.0.9:1234"
		router.ServeHTTP(rec, req)
		lastCode = rec.Code
	}
	if lastCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after exceeding the limit, got %d", lastCode)
	}
}
