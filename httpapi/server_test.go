package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/deepnoodle-ai/worldflow"
	"github.com/deepnoodle-ai/worldflow/state"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func questionStep() worldflow.Step {
	return worldflow.NewStep("ask", func(ctx worldflow.Context) (worldflow.Outcome, error) {
		id := worldflow.NewRequestID(ctx.RunID(), ctx.StepName(), "tone")
		if answer, ok := ctx.Answer(id); ok {
			tone := "grim"
			if !answer.Skipped {
				tone, _ = answer.Answers["tone"].(string)
			}
			return worldflow.Update(state.Delta{"tone": tone}), nil
		}
		return worldflow.Suspend(&worldflow.SuspensionRequest{
			ID:            id,
			PromptContext: "pick a tone",
			AllowSkip:     true,
			Fields: []worldflow.QuestionField{{
				ID:       "tone",
				Label:    "Tone",
				Type:     worldflow.FieldChoice,
				Options:  []string{"grim", "whimsical"},
				Required: true,
			}},
		}), nil
	})
}

func newTestEngine(t *testing.T, cp worldflow.Checkpointer) *worldflow.Engine {
	t.Helper()
	return newTestEngineWith(t, worldflow.EngineOptions{Checkpointer: cp})
}

func newTestEngineWith(t *testing.T, opts worldflow.EngineOptions) *worldflow.Engine {
	t.Helper()
	g, err := worldflow.NewGraph(worldflow.GraphOptions{
		Name: "tone",
		Fields: []*state.Field{
			{Name: "premise", Policy: state.Replace},
			{Name: "tone", Policy: state.Replace},
		},
		Nodes: []*worldflow.Node{{Name: "ask"}},
	})
	require.NoError(t, err)
	opts.Graph = g
	opts.Steps = []worldflow.Step{questionStep()}
	e, err := worldflow.NewEngine(opts)
	require.NoError(t, err)
	return e
}

func newTestServer(t *testing.T, e *worldflow.Engine) *Server {
	t.Helper()
	s, err := New(Options{Engine: e, Gatherer: prometheus.NewRegistry()})
	require.NoError(t, err)
	return s
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeRun(t *testing.T, w *httptest.ResponseRecorder) RunResponse {
	t.Helper()
	var resp RunResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestStartAndContinue(t *testing.T) {
	s := newTestServer(t, newTestEngine(t, nil))

	w := do(t, s, http.MethodPost, "/runs/run-1/start", StartRequest{State: map[string]any{"premise": "islands"}})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeRun(t, w)
	require.Equal(t, StatusWaitingForInput, resp.Status)
	require.Equal(t, "run-1", resp.RunID)
	require.NotNil(t, resp.Request)
	require.Equal(t, "ask", resp.Request.Step)

	w = do(t, s, http.MethodPost, "/runs/run-1/continue", worldflow.ResumptionInput{
		RequestID: resp.Request.ID,
		Answers:   map[string]any{"tone": "whimsical"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	resp = decodeRun(t, w)
	require.Equal(t, StatusCompleted, resp.Status)
	require.Equal(t, "whimsical", resp.State["tone"])
	require.Equal(t, "islands", resp.State["premise"])
	require.Nil(t, resp.Error)
}

func TestStartGeneratesRunID(t *testing.T) {
	s := newTestServer(t, newTestEngine(t, nil))
	w := do(t, s, http.MethodPost, "/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, strings.HasPrefix(decodeRun(t, w).RunID, "run_"))
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t, newTestEngine(t, nil))
	w := do(t, s, http.MethodPost, "/runs/run-1/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	requestID := decodeRun(t, w).Request.ID

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		code   int
		typ    string
	}{
		{"existing run", http.MethodPost, "/runs/run-1/start", nil, http.StatusConflict, ""},
		{"unknown run", http.MethodPost, "/runs/missing/continue", worldflow.ResumptionInput{RequestID: "x"}, http.StatusNotFound, ""},
		{"stale request", http.MethodPost, "/runs/run-1/continue", worldflow.ResumptionInput{RequestID: "stale"}, http.StatusConflict, worldflow.ErrorTypeSuspensionProtocol},
		{"invalid answer", http.MethodPost, "/runs/run-1/continue", worldflow.ResumptionInput{RequestID: requestID, Answers: map[string]any{"tone": "sunny"}}, http.StatusUnprocessableEntity, worldflow.ErrorTypeValidation},
		{"invalid state", http.MethodPost, "/runs/run-2/start", StartRequest{State: map[string]any{"unknown": 1}}, http.StatusUnprocessableEntity, worldflow.ErrorTypeValidation},
		{"unknown progress", http.MethodGet, "/runs/missing/progress", nil, http.StatusNotFound, ""},
		{"unknown stream", http.MethodGet, "/runs/missing/stream", nil, http.StatusNotFound, ""},
		{"unknown cancel", http.MethodDelete, "/runs/missing", nil, http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, tt.method, tt.path, tt.body)
			require.Equal(t, tt.code, w.Code, w.Body.String())
			if tt.typ != "" {
				var body struct {
					Error ErrorBody `json:"error"`
				}
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				require.Equal(t, tt.typ, body.Error.Type)
			}
		})
	}

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/runs/run-1/continue", strings.NewReader("{"))
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	// A rejected answer leaves the run waiting.
	w = do(t, s, http.MethodPost, "/runs/run-1/continue", worldflow.ResumptionInput{RequestID: requestID, Skipped: true})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "grim", decodeRun(t, w).State["tone"])
}

func TestCancelAndList(t *testing.T) {
	s := newTestServer(t, newTestEngine(t, nil))
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/runs/run-1/start", nil).Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/runs/run-2/start", nil).Code)

	w := do(t, s, http.MethodDelete, "/runs/run-1", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, http.StatusConflict, do(t, s, http.MethodDelete, "/runs/run-1", nil).Code)

	w = do(t, s, http.MethodGet, "/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Runs []worldflow.RunSummary `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	statuses := map[string]worldflow.RunStatus{}
	for _, run := range list.Runs {
		statuses[run.RunID] = run.Status
	}
	require.Equal(t, map[string]worldflow.RunStatus{
		"run-1": worldflow.RunCancelled,
		"run-2": worldflow.RunSuspended,
	}, statuses)

	w = do(t, s, http.MethodGet, "/runs/run-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cp worldflow.Checkpoint
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cp))
	require.Equal(t, worldflow.RunCancelled, cp.Status)
}

func TestProgressSnapshot(t *testing.T) {
	s := newTestServer(t, newTestEngine(t, nil))
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/runs/run-1/start", nil).Code)

	w := do(t, s, http.MethodGet, "/runs/run-1/progress", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snapshot map[string]worldflow.Phase
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshot))
	require.Equal(t, map[string]worldflow.Phase{"ask": worldflow.PhaseSuspended}, snapshot)
}

type sseEvent struct {
	id   string
	name string
	data worldflow.ProgressEvent
}

func readStream(t *testing.T, url string, lastEventID string) []sseEvent {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	require.NoError(t, err)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []sseEvent
	var current sseEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current.id != "" || current.name != "" {
				events = append(events, current)
			}
			current = sseEvent{}
		case strings.HasPrefix(line, "id: "):
			current.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &current.data))
		}
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestStream(t *testing.T) {
	s := newTestServer(t, newTestEngine(t, nil))
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/runs/run-1/start", nil).Code)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	events := readStream(t, srv.URL+"/runs/run-1/stream", "")
	require.Len(t, events, 3)
	require.Equal(t, []string{"1", "2", "3"}, []string{events[0].id, events[1].id, events[2].id})
	require.Equal(t, "step", events[0].name)
	require.Equal(t, worldflow.PhaseStarted, events[0].data.Phase)
	require.Equal(t, worldflow.PhaseSuspended, events[1].data.Phase)
	require.Equal(t, "waiting", events[2].name)

	events = readStream(t, srv.URL+"/runs/run-1/stream", "2")
	require.Len(t, events, 1)
	require.Equal(t, "waiting", events[0].name)
}

func TestStreamAfterRestart(t *testing.T) {
	cp := worldflow.NewMemoryCheckpointer()
	first := newTestServer(t, newTestEngine(t, cp))
	w := do(t, first, http.MethodPost, "/runs/run-1/start", nil)
	requestID := decodeRun(t, w).Request.ID
	w = do(t, first, http.MethodPost, "/runs/run-1/continue", worldflow.ResumptionInput{RequestID: requestID, Skipped: true})
	require.Equal(t, StatusCompleted, decodeRun(t, w).Status)

	restarted := newTestServer(t, newTestEngine(t, cp))
	srv := httptest.NewServer(restarted.Handler())
	defer srv.Close()

	events := readStream(t, srv.URL+"/runs/run-1/stream", "")
	require.Len(t, events, 1)
	require.Equal(t, "done", events[0].name)
	require.Equal(t, "run-1", events[0].data.RunID)
}

func streamStatus(t *testing.T, url string, lastEventID string) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", lastEventID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Empty(t, body)
	return resp.StatusCode
}

func TestStreamReconnectAfterSentinel(t *testing.T) {
	s := newTestServer(t, newTestEngine(t, nil))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	w := do(t, s, http.MethodPost, "/runs/run-1/start", nil)
	requestID := decodeRun(t, w).Request.ID
	require.Equal(t, http.StatusNoContent, streamStatus(t, srv.URL+"/runs/run-1/stream", "3"))

	w = do(t, s, http.MethodPost, "/runs/run-1/continue", worldflow.ResumptionInput{RequestID: requestID, Skipped: true})
	require.Equal(t, StatusCompleted, decodeRun(t, w).Status)

	events := readStream(t, srv.URL+"/runs/run-1/stream", "3")
	require.NotEmpty(t, events)
	done := events[len(events)-1]
	require.Equal(t, "done", done.name)

	require.Equal(t, http.StatusNoContent, streamStatus(t, srv.URL+"/runs/run-1/stream", done.id))
	require.Equal(t, http.StatusNoContent, streamStatus(t, srv.URL+"/runs/run-1/stream", "99"))
}

func TestProgressAfterLogExpires(t *testing.T) {
	e := newTestEngineWith(t, worldflow.EngineOptions{
		Progress: worldflow.NewProgressLog(worldflow.WithRetention(10 * time.Millisecond)),
	})
	s := newTestServer(t, e)
	w := do(t, s, http.MethodPost, "/runs/run-1/start", nil)
	requestID := decodeRun(t, w).Request.ID
	w = do(t, s, http.MethodPost, "/runs/run-1/continue", worldflow.ResumptionInput{RequestID: requestID, Skipped: true})
	require.Equal(t, StatusCompleted, decodeRun(t, w).Status)

	require.Eventually(t, func() bool { return !e.HasProgress("run-1") }, 2*time.Second, 5*time.Millisecond)

	w = do(t, s, http.MethodGet, "/runs/run-1/progress", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snapshot map[string]worldflow.Phase
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshot))
	require.Equal(t, map[string]worldflow.Phase{"ask": worldflow.PhaseCompleted}, snapshot)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	events := readStream(t, srv.URL+"/runs/run-1/stream", "")
	require.Len(t, events, 1)
	require.Equal(t, "done", events[0].name)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "worldflow_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	s, err := New(Options{Engine: newTestEngine(t, nil), Gatherer: reg})
	require.NoError(t, err)
	w := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "worldflow_test_total 1")
}

func TestNewRequiresEngine(t *testing.T) {
	_, err := New(Options{})
	require.ErrorContains(t, err, "engine is required")
}
