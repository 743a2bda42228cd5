package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"missionline/internal/domain"
)

const maxArtifactBytes = 4 << 20

// HTTP posts stage requests to a producer gateway and returns the response body
// as the artifact. The request body is {"stage", "mission", "workflow", "result"}.
type HTTP struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
	Header  http.Header
}

type httpRequest struct {
	Stage    string                          `json:"stage"`
	Mission  string                          `json:"mission"`
	Workflow *domain.Workflow                `json:"workflow,omitempty"`
	Result   *domain.WorkflowExecutionResult `json:"result,omitempty"`
}

func (h HTTP) Plan(ctx context.Context, mission string) ([]byte, error) {
	return h.post(ctx, httpRequest{Stage: "plan", Mission: mission})
}

func (h HTTP) Analyze(ctx context.Context, in AnalysisInput) ([]byte, error) {
	wf, res := in.Workflow, in.Result
	return h.post(ctx, httpRequest{Stage: "analysis", Mission: in.Mission, Workflow: &wf, Result: &res})
}

func (h HTTP) post(ctx context.Context, body httpRequest) ([]byte, error) {
	if h.URL == "" {
		return nil, domain.ExecutionFailuref("producer url not configured")
	}
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range h.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &domain.Error{Kind: domain.KindExecution, Op: body.Stage + " producer", Msg: "timed out", Err: err}
		}
		return nil, &domain.Error{Kind: domain.KindExecution, Op: body.Stage + " producer", Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes))
	if err != nil {
		return nil, &domain.Error{Kind: domain.KindExecution, Op: body.Stage + " producer", Msg: "read response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, domain.ExecutionFailuref("%s producer returned %d: %s", body.Stage, resp.StatusCode, truncate(string(data), 200))
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
