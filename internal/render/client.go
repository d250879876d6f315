// Package render provides the client for the external document-rendering
// service. The core's obligation is to hand over a complete, already
// validated snapshot of an entity; no partial or unlocked state is sent.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/fleetops-system/internal/model"
)

// Snapshot is the finalized document payload handed to the renderer.
type Snapshot struct {
	Kind        string                 `json:"kind"`
	TripTicket  *model.TripTicket      `json:"trip_ticket,omitempty"`
	Requisition *model.FuelRequisition `json:"fuel_requisition,omitempty"`
	Contract    *ContractSummary       `json:"contract,omitempty"`
}

// ContractSummary is the contract slice included with a fuel requisition
// snapshot.
type ContractSummary struct {
	ContractNumber string  `json:"contract_number"`
	Supplier       string  `json:"supplier,omitempty"`
	Total          float64 `json:"total"`
	Remaining      float64 `json:"remaining"`
	Status         string  `json:"status"`
}

// Artifact identifies the printable document produced by the renderer.
type Artifact struct {
	URL string `json:"url"`
}

// Client encapsulates HTTP interaction with the rendering service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the rendering service at the given address.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Render submits a snapshot and returns the produced artifact. A 429
// response carries the renderer's Retry-After as a backoff hint.
func (c *Client) Render(ctx context.Context, snap *Snapshot) (*Artifact, int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, 0, fmt.Errorf("render client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(snap)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	url := fmt.Sprintf("%s/api/documents", base)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result Artifact
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	return &result, resp.StatusCode, 0, nil
}
