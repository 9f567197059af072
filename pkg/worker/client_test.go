package worker_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngineServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc("GET /tasks/poll", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("worker") == "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"detail":"worker is required"}`))

			return
		}

		if r.URL.Query().Get("list") == "empty" {
			w.WriteHeader(http.StatusNoContent)

			return
		}

		_ = json.NewEncoder(w).Encode(models.ActivityTask{
			ActivityName: "add",
			TaskToken:    "token-1",
			ExecutionID:  "exec-1",
			Input:        json.RawMessage(`{"wait":"` + r.URL.Query().Get("wait") + `"}`),
		})
	})

	mux.HandleFunc("POST /tasks/{token}", func(w http.ResponseWriter, r *http.Request) {
		var response models.TaskResponse
		if err := json.NewDecoder(r.Body).Decode(&response); err != nil {
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		if response.Status != models.TaskStatusHeartbeat {
			w.WriteHeader(http.StatusNoContent)

			return
		}

		_ = json.NewEncoder(w).Encode(models.HeartbeatResult{CancellationRequested: r.PathValue("token") == "cancel-me"})
	})

	mux.HandleFunc("POST /executions/{id}/signal", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /history", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]models.HistoryEvent{{
			ExecutionID: r.URL.Query().Get("executionid"),
			ID:          3,
			EventType:   models.EventWorkflowSignalled,
			Attributes:  json.RawMessage(`{"signalName":"` + r.URL.Query().Get("signal") + `","status":"success"}`),
		}})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server
}

func TestClient_Poll(t *testing.T) {
	t.Parallel()

	server := newEngineServer(t)
	client := worker.NewClient(server.URL+"/", worker.WithLongPoll(20*time.Second))

	task, err := client.Poll(t.Context(), "math", "w1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "token-1", task.TaskToken)
	assert.JSONEq(t, `{"wait":"20"}`, string(task.Input))

	task, err = client.Poll(t.Context(), "empty", "w1")
	require.NoError(t, err)
	assert.Nil(t, task)

	_, err = client.Poll(t.Context(), "math", "")
	require.ErrorIs(t, err, worker.ErrUnexpectedStatus)
	assert.Contains(t, err.Error(), "worker is required")
}

func TestClient_Respond(t *testing.T) {
	t.Parallel()

	server := newEngineServer(t)
	client := worker.NewClient(server.URL)

	result, err := client.Respond(t.Context(), "cancel-me", &models.TaskResponse{Status: models.TaskStatusHeartbeat})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.CancellationRequested)

	result, err = client.Respond(t.Context(), "token-1", &models.TaskResponse{Status: models.TaskStatusSuccess})
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestClient_Signals(t *testing.T) {
	t.Parallel()

	server := newEngineServer(t)
	client := worker.NewClient(server.URL)

	require.NoError(t, client.Signal(t.Context(), "exec-1", &models.WorkflowSignalled{SignalName: "go"}))

	events, err := client.Signals(t.Context(), "exec-1", "go")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "exec-1", events[0].ExecutionID)
	assert.JSONEq(t, `{"signalName":"go","status":"success"}`, string(events[0].Attributes))
}

func TestClient_Unreachable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()

	_, err := worker.NewClient(server.URL).Poll(t.Context(), "math", "w1")
	require.Error(t, err)
}
