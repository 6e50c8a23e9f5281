// Package workflow defines the WorkflowTrigger capability the control
// plane uses to launch extractor runs, plus an HTTP client for
// Airflow-compatible REST APIs. Every call is guarded by the workflow
// engine's circuit breaker.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"atlas.crawlops.org/common"
	"atlas.crawlops.org/config"
	"atlas.crawlops.org/resilience"
)

// TriggerResult reports one trigger attempt.
type TriggerResult struct {
	Success bool   `json:"success"`
	DagID   string `json:"dag_id"`
	RunID   string `json:"run_id,omitempty"`
	Message string `json:"message"`
}

// RunsResult lists recent runs of a DAG.
type RunsResult struct {
	DagRuns []map[string]any `json:"dag_runs"`
	Error   string           `json:"error,omitempty"`
}

// Trigger is the workflow-engine capability consumed by the control
// plane. The concrete engine is opaque to the core.
type Trigger interface {
	TriggerDAG(ctx context.Context, dagID string, conf map[string]any, runID string) (*TriggerResult, error)
	GetRuns(ctx context.Context, dagID string, limit int) (*RunsResult, error)
	GetRunStatus(ctx context.Context, dagID, runID string) (map[string]any, error)
}

// triggerTimeout bounds workflow engine calls.
const triggerTimeout = 30 * time.Second

// AirflowClient implements Trigger against an Airflow-style REST API.
type AirflowClient struct {
	baseURL  string
	username string
	password string
	client   *http.Client
	breaker  *resilience.CircuitBreaker
	clock    func() time.Time
}

// NewAirflowClient creates a client for the given server. Empty
// arguments fall back to the ATLAS_AIRFLOW_URL / ATLAS_AIRFLOW_USER /
// ATLAS_AIRFLOW_PASS environment variables.
func NewAirflowClient(baseURL, username, password string) *AirflowClient {
	if baseURL == "" {
		baseURL = config.DefaultEnv.String("AIRFLOW_URL", "http://airflow-webserver:8080")
	}
	if username == "" {
		username = config.DefaultEnv.String("AIRFLOW_USER", "airflow")
	}
	if password == "" {
		password = config.DefaultEnv.String("AIRFLOW_PASS", "airflow")
	}
	return &AirflowClient{
		baseURL:  baseURL,
		username: username,
		password: password,
		client:   &http.Client{Timeout: triggerTimeout},
		breaker:  resilience.GetOrCreate("workflow-engine", resilience.DefaultBreakerConfig()),
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// TriggerDAG starts a DAG run. A missing run id gets a generated
// api_trigger_* id. Engine rejections come back as unsuccessful results,
// not errors.
func (c *AirflowClient) TriggerDAG(ctx context.Context, dagID string, conf map[string]any, runID string) (*TriggerResult, error) {
	if runID == "" {
		runID = "api_trigger_" + c.clock().Format("20060102_150405")
	}

	payload := map[string]any{
		"conf":       conf,
		"dag_run_id": runID,
	}
	if conf == nil {
		payload["conf"] = map[string]any{}
	}

	result := &TriggerResult{DagID: dagID}
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		body, status, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/dags/%s/dagRuns", dagID), payload, nil)
		if err != nil {
			result.Message = "Cannot connect to workflow engine"
			return err
		}

		switch {
		case status >= 200 && status < 300:
			var data map[string]any
			if err := json.Unmarshal(body, &data); err == nil {
				if id, ok := data["dag_run_id"].(string); ok {
					result.RunID = id
				}
			}
			result.Success = true
			result.Message = "DAG triggered successfully"
		case status == http.StatusConflict:
			result.Message = "DAG run already exists"
		default:
			result.Message = fmt.Sprintf("Failed: %d", status)
			common.Logger.WithField("dag_id", dagID).
				WithField("status", status).
				Error("failed to trigger DAG")
		}
		return nil
	})
	if err != nil {
		return result, err
	}
	return result, nil
}

// GetRuns lists the most recent runs, newest first.
func (c *AirflowClient) GetRuns(ctx context.Context, dagID string, limit int) (*RunsResult, error) {
	result := &RunsResult{}
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		query := map[string]string{
			"limit":    fmt.Sprint(limit),
			"order_by": "-execution_date",
		}
		body, status, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/dags/%s/dagRuns", dagID), nil, query)
		if err != nil {
			result.Error = err.Error()
			return err
		}
		if status != http.StatusOK {
			result.Error = fmt.Sprintf("status %d", status)
			return nil
		}

		var data struct {
			DagRuns []map[string]any `json:"dag_runs"`
		}
		if err := json.Unmarshal(body, &data); err != nil {
			result.Error = err.Error()
			return nil
		}
		result.DagRuns = data.DagRuns
		return nil
	})
	return result, err
}

// GetRunStatus loads one run's state.
func (c *AirflowClient) GetRunStatus(ctx context.Context, dagID, runID string) (map[string]any, error) {
	var out map[string]any
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		body, status, err := c.do(ctx, http.MethodGet,
			fmt.Sprintf("/api/v1/dags/%s/dagRuns/%s", dagID, runID), nil, nil)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("run status query returned %d", status)
		}
		return json.Unmarshal(body, &out)
	})
	return out, err
}

func (c *AirflowClient) do(ctx context.Context, method, path string, payload any, query map[string]string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, triggerTimeout)
	defer cancel()

	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, 0, err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/json")

	if len(query) > 0 {
		q := req.URL.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, resp.StatusCode, err
	}
	return buf.Bytes(), resp.StatusCode, nil
}
