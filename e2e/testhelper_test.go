package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/makeasinger/melodygen/internal/artifact"
	"github.com/makeasinger/melodygen/internal/auth"
	"github.com/makeasinger/melodygen/internal/client"
	"github.com/makeasinger/melodygen/internal/handler"
	"github.com/makeasinger/melodygen/internal/middleware"
	"github.com/makeasinger/melodygen/internal/model"
	"github.com/makeasinger/melodygen/internal/orchestrator"
	"github.com/makeasinger/melodygen/internal/server"
	"github.com/makeasinger/melodygen/internal/service"
	"github.com/makeasinger/melodygen/internal/stage"
	"github.com/makeasinger/melodygen/internal/store/sqlstore"
	ws "github.com/makeasinger/melodygen/internal/websocket"
)

const testJWTSecret = "test-secret-for-e2e"

// stageServer imitates a long-lived stage worker: it writes the files the
// real model would produce into the requested workdir.
type stageServer struct {
	srv      *httptest.Server
	files    map[string]string
	exitCode int

	mu       sync.Mutex
	requests []stage.Request
}

func newStageServer(t *testing.T, files map[string]string) *stageServer {
	t.Helper()
	s := &stageServer{files: files}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/invoke", func(w http.ResponseWriter, r *http.Request) {
		var req stage.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		exitCode := s.exitCode
		s.mu.Unlock()

		if exitCode == 0 {
			if err := os.MkdirAll(req.Workdir, 0o755); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			for name, content := range s.files {
				if err := os.WriteFile(filepath.Join(req.Workdir, name), []byte(content), 0o644); err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stage.Result{ExitCode: exitCode, Message: "done"})
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stageServer) calls() []stage.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stage.Request(nil), s.requests...)
}

func (s *stageServer) failWith(code int) {
	s.mu.Lock()
	s.exitCode = code
	s.mu.Unlock()
}

type recordingEnqueuer struct {
	mu  sync.Mutex
	ids []string
}

func (e *recordingEnqueuer) Enqueue(ctx context.Context, jobID string) error {
	e.mu.Lock()
	e.ids = append(e.ids, jobID)
	e.mu.Unlock()
	return nil
}

// testApp holds all components needed for testing
type testApp struct {
	app      *fiber.App
	orch     *orchestrator.Orchestrator
	enqueuer *recordingEnqueuer
	melody   *stageServer
	vocal    *stageServer
	shared   string
}

// setupApp wires the same components as cmd/server with local storage,
// an in-memory redis and stage workers served by httptest.
func setupApp(t *testing.T) *testApp {
	t.Helper()
	log := zap.NewNop()
	shared := t.TempDir()

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	jobStore, err := sqlstore.OpenSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { jobStore.Close() })

	melodySrv := newStageServer(t, map[string]string{
		"melody.mid":               "MThd-melody",
		"beat_mixed_synth_mix.wav": "RIFF-beat",
	})
	vocalSrv := newStageServer(t, map[string]string{
		"mix.wav":   "RIFF-mix",
		"vocal.wav": "RIFF-vocal",
	})
	melody := stage.NewHTTPInvoker(model.StageMelody, melodySrv.srv.URL, time.Minute)
	vocal := stage.NewHTTPInvoker(model.StageVocal, vocalSrv.srv.URL, time.Minute)

	storage := client.NewLocalStorage(filepath.Join(shared, "published"), "")
	pipeline := stage.Pipeline{SharedDir: shared, Checkpoint: "/ckpt.pth", ModelSet: "set1", DefaultVoice: model.VoiceFemale}

	hubCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := ws.NewHub(log)
	go hub.Run(hubCtx)

	orch := orchestrator.New(orchestrator.Deps{
		Store:     jobStore,
		Melody:    melody,
		Vocal:     vocal,
		Pipeline:  pipeline,
		Resolver:  artifact.NewResolver(artifact.DefaultCandidates(shared, pipeline.ModelSet), log),
		Publisher: artifact.NewPublisher(storage, artifact.PublisherConfig{MaxAttempts: 1}, log),
		Notifier:  hub,
		Logger:    log,
		AutoBPM:   true,
	})

	enq := &recordingEnqueuer{}
	jobService := service.NewJobService(jobStore, enq, pipeline, service.PollConfig{
		Interval: 5 * time.Second, BaseAttempts: 120, Headroom: 1.5,
	}, log)

	app := server.New(server.Deps{
		Jobs: handler.NewJobHandler(jobService, validator.New(), log),
		Health: handler.NewHealthHandler(map[string]handler.HealthCheck{
			"store":   jobStore.Ping,
			"storage": storage.Ping,
			"melody":  melody.HealthCheck,
			"vocal":   vocal.HealthCheck,
		}, log),
		Auth:        handler.NewAuthHandler(nil, testJWTSecret),
		APIAuth:     middleware.NewAuthMiddleware(nil, testJWTSecret).Authenticate(),
		RateLimiter: middleware.NewRateLimiter(redisClient, log),
		JobsPerHour: 10000,
		Hub:         hub,
		FilesDir:    storage.Root(),
		BodyLimit:   50 * 1024 * 1024,
		Quiet:       true,
	})

	return &testApp{
		app:      app,
		orch:     orch,
		enqueuer: enq,
		melody:   melodySrv,
		vocal:    vocalSrv,
		shared:   shared,
	}
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueLegacyToken(testJWTSecret, userID, userID+"@example.com", time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return token
}

func doRequest(app *fiber.App, method, path string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req := httptest.NewRequest(method, path, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return app.Test(req, -1)
}

// submitJob posts a multipart job request and returns the created job id.
func (ta *testApp) submitJob(t *testing.T, token string, fields map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		w.WriteField(k, v)
	}
	part, err := w.CreateFormFile("file", "backing track.wav")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	part.Write([]byte("RIFF-input"))
	w.Close()

	resp, err := doRequest(ta.app, http.MethodPost, "/api/jobs", &buf, map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  w.FormDataContentType(),
	})
	if err != nil {
		t.Fatalf("submit job: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)

	var created model.CreateJobResponse
	decodeJSON(t, resp, &created)
	if created.JobID == "" {
		t.Fatal("expected job id in response")
	}
	return created.JobID
}

func (ta *testApp) fetchJob(t *testing.T, token, jobID string) model.JobView {
	t.Helper()
	resp, err := doRequest(ta.app, http.MethodGet, "/api/jobs/"+jobID, nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if err != nil {
		t.Fatalf("fetch job: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	var view model.JobView
	decodeJSON(t, resp, &view)
	return view
}

// readBody reads the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return string(b)
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	body := readBody(t, resp)
	if err := json.Unmarshal([]byte(body), v); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
