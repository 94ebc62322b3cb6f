package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/urfave/cli/v2"

	"github.com/knoguchi/ragengine/internal/auth"
	"github.com/knoguchi/ragengine/internal/repository"
)

// apiClient talks to the ragd JSON API.
type apiClient struct {
	client *resty.Client
}

type apiError struct {
	Error string `json:"error"`
}

func newClient(c *cli.Context) *apiClient {
	client := resty.New().
		SetBaseURL(c.String("server")).
		SetTimeout(c.Duration("timeout")).
		SetHeader("Content-Type", "application/json")
	if key := c.String("api-key"); key != "" {
		client.SetHeader(auth.APIKeyHeader, key)
	}
	if token := c.String("token"); token != "" {
		client.SetAuthToken(token)
	}
	return &apiClient{client: client}
}

func (a *apiClient) post(ctx context.Context, path string, body, out any) error {
	resp, err := a.client.R().
		SetContext(contextOrBackground(ctx)).
		SetBody(body).
		Post(path)
	return decodeResponse(resp, err, "POST "+path, out)
}

func (a *apiClient) get(ctx context.Context, path string, out any) error {
	resp, err := a.client.R().
		SetContext(contextOrBackground(ctx)).
		Get(path)
	return decodeResponse(resp, err, "GET "+path, out)
}

func decodeResponse(resp *resty.Response, err error, op string, out any) error {
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", op, err)
	}
	if resp.IsError() {
		var e apiError
		if json.Unmarshal(resp.Body(), &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s (HTTP %d)", op, e.Error, resp.StatusCode())
		}
		return fmt.Errorf("%s: HTTP %d", op, resp.StatusCode())
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

// waitJob polls a job until it reaches a terminal state.
func (a *apiClient) waitJob(ctx context.Context, id string, interval time.Duration) (*repository.IngestJob, error) {
	ctx = contextOrBackground(ctx)
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var job repository.IngestJob
		if err := a.get(ctx, "/v1/ingest/jobs/"+id, &job); err != nil {
			return nil, err
		}
		slog.Debug("job status", "job_id", id, "state", job.State, "processed", job.Processed, "total", job.Total)
		if job.State.Terminal() {
			return &job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
