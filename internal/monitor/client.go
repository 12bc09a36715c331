package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

// Snapshot is one poll of the conveyor API.
type Snapshot struct {
	Active []string
	Recent []*pipeline.Run
	At     time.Time
}

// Counts tallies the recent runs by status.
func (s Snapshot) Counts() map[pipeline.Status]int {
	out := make(map[pipeline.Status]int)
	for _, r := range s.Recent {
		out[r.Status]++
	}
	return out
}

// SuccessRatio is the share of finished recent runs that succeeded, or 1
// when none have finished.
func (s Snapshot) SuccessRatio() float64 {
	var done, ok int
	for _, r := range s.Recent {
		if !r.Terminal {
			continue
		}
		done++
		if r.Status == pipeline.StatusSucceeded {
			ok++
		}
	}
	if done == 0 {
		return 1
	}
	return float64(ok) / float64(done)
}

// AwaitingApproval lists recent runs with a stage held by a gate.
func (s Snapshot) AwaitingApproval() []*pipeline.Run {
	var out []*pipeline.Run
	for _, r := range s.Recent {
		if r.Terminal {
			continue
		}
		for _, res := range r.Stages {
			if res.Status == pipeline.StatusPending && res.Reason != "" {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// Source produces snapshots.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Client polls the conveyor HTTP API.
type Client struct {
	baseURL string
	limit   int
	client  *http.Client
}

// NewClient creates a client that fetches the latest limit runs.
func NewClient(baseURL string, limit int) *Client {
	if limit <= 0 {
		limit = 15
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		limit:   limit,
		client:  &http.Client{Timeout: 2 * time.Second},
	}
}

// Snapshot fetches the active run ids and the most recent runs.
func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	var health struct {
		ActiveRuns []string `json:"active_runs"`
	}
	if err := c.get(ctx, "/health", nil, &health); err != nil {
		return Snapshot{}, err
	}

	var list struct {
		Runs []*pipeline.Run `json:"runs"`
	}
	q := url.Values{"limit": {strconv.Itoa(c.limit)}}
	if err := c.get(ctx, "/api/v1/runs", q, &list); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Active: health.ActiveRuns, Recent: list.Runs, At: time.Now()}, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
