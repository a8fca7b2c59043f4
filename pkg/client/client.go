package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/farhan-ahmed1/exportd/internal/task"
)

// ErrNotFound is returned when the broker answers 404: an unknown export
// or, from Submit, an unknown index
var ErrNotFound = errors.New("export not found")

// Config holds client configuration
type Config struct {
	BrokerAddr string // e.g. "http://localhost:8000"
	Timeout    time.Duration

	// Interval between record polls in WaitForCompletion
	PollInterval time.Duration
}

// Client talks to the exportd HTTP API
type Client struct {
	config Config
	http   *http.Client
}

// New creates a new client instance
func New(config Config) (*Client, error) {
	if config.BrokerAddr == "" {
		return nil, fmt.Errorf("broker address is required")
	}
	if !strings.HasPrefix(config.BrokerAddr, "http://") && !strings.HasPrefix(config.BrokerAddr, "https://") {
		config.BrokerAddr = "http://" + config.BrokerAddr
	}
	config.BrokerAddr = strings.TrimRight(config.BrokerAddr, "/")

	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.PollInterval == 0 {
		config.PollInterval = 100 * time.Millisecond
	}

	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
	}, nil
}

// Close releases idle connections
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// Submit requests an export of the named index and returns its task ID
func (c *Client) Submit(ctx context.Context, indexName string) (string, error) {
	body, err := json.Marshal(map[string]string{"index": indexName})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/exports", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return "", statusError(resp)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode submit response: %w", err)
	}
	return out.ID, nil
}

// GetRecord retrieves the stored record of an export
func (c *Client) GetRecord(ctx context.Context, taskID string) (*task.Record, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/exports/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var rec task.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &rec, nil
}

// GetData retrieves the exported bytes of a successful export
func (c *Client) GetData(ctx context.Context, taskID string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/exports/"+taskID+"/data", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	return io.ReadAll(resp.Body)
}

// WaitForCompletion polls until the export has succeeded or failed, or
// timeout elapses. A record that is not stored yet is treated as pending.
func (c *Client) WaitForCompletion(ctx context.Context, taskID string, timeout time.Duration) (*task.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		rec, err := c.GetRecord(ctx, taskID)
		switch {
		case err == nil:
			if rec.State == task.StateSucceeded || rec.State == task.StateFailed || rec.State == task.StateCompleted {
				return rec, nil
			}
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("export %s did not complete: %w", taskID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.config.BrokerAddr+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	text := strings.TrimSpace(string(msg))
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, text)
	}
	return fmt.Errorf("broker returned %d: %s", resp.StatusCode, text)
}
