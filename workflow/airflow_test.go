package workflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAirflowServer(t *testing.T, status int, body map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "airflow", user)
		assert.Equal(t, "secret", pass)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if body != nil {
			_ = json.NewEncoder(w).Encode(body)
		}
	}))
}

// TestAirflowClient_TriggerDAG succeeds and carries back the run id.
func TestAirflowClient_TriggerDAG(t *testing.T) {
	server := newAirflowServer(t, http.StatusOK, map[string]any{"dag_run_id": "run-42"})
	defer server.Close()

	client := NewAirflowClient(server.URL, "airflow", "secret")
	result, err := client.TriggerDAG(context.Background(), "crawl_news", map[string]any{"source_id": "s1"}, "")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "crawl_news", result.DagID)
	assert.Equal(t, "run-42", result.RunID)
}

// TestAirflowClient_TriggerConflict reports an existing run without
// erroring.
func TestAirflowClient_TriggerConflict(t *testing.T) {
	server := newAirflowServer(t, http.StatusConflict, nil)
	defer server.Close()

	client := NewAirflowClient(server.URL, "airflow", "secret")
	result, err := client.TriggerDAG(context.Background(), "crawl_news", nil, "dup-run")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "DAG run already exists", result.Message)
}

// TestAirflowClient_GetRuns decodes the run list.
func TestAirflowClient_GetRuns(t *testing.T) {
	server := newAirflowServer(t, http.StatusOK, map[string]any{
		"dag_runs": []map[string]any{
			{"dag_run_id": "a", "state": "success"},
			{"dag_run_id": "b", "state": "failed"},
		},
	})
	defer server.Close()

	client := NewAirflowClient(server.URL, "airflow", "secret")
	result, err := client.GetRuns(context.Background(), "crawl_news", 10)
	require.NoError(t, err)
	assert.Empty(t, result.Error)
	assert.Len(t, result.DagRuns, 2)
}

// TestAirflowClient_ConnectionFailure surfaces the connect error.
func TestAirflowClient_ConnectionFailure(t *testing.T) {
	client := NewAirflowClient("http://127.0.0.1:1", "airflow", "secret")
	result, err := client.TriggerDAG(context.Background(), "crawl_news", nil, "")
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "Cannot connect to workflow engine", result.Message)
}
