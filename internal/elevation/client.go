// Package elevation provides a client for the Open-Meteo elevation API.
// The API is unauthenticated and aggressively cached upstream, so
// coordinates are rounded before the request to raise the cache hit
// rate.
package elevation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nugget/pajbridge/internal/httpkit"
)

// DefaultBaseURL is the public Open-Meteo elevation endpoint.
const DefaultBaseURL = "https://api.open-meteo.com/v1/elevation"

// RoundCoord rounds a coordinate to 5 decimal places, about one metre
// of precision. Callers store the rounded value as the "last fetched
// position" so movement comparisons use the same precision the API saw.
func RoundCoord(v float64) float64 {
	return math.Round(v*1e5) / 1e5
}

// Client is an Open-Meteo elevation API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an elevation client. An empty baseURL selects the
// public Open-Meteo endpoint.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(15*time.Second),
			httpkit.WithRetry(2, 2*time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// Elevation returns the elevation in metres for the given coordinates.
// Coordinates are rounded with RoundCoord before the request.
func (c *Client) Elevation(ctx context.Context, lat, lng float64) (float64, error) {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(RoundCoord(lat), 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(RoundCoord(lng), 'f', -1, 64))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("elevation request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return 0, fmt.Errorf("elevation API error %d: %s", resp.StatusCode, body)
	}

	var envelope struct {
		Elevation []float64 `json:"elevation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return 0, fmt.Errorf("decode elevation response: %w", err)
	}
	if len(envelope.Elevation) == 0 {
		return 0, fmt.Errorf("elevation response contained no values")
	}

	return envelope.Elevation[0], nil
}
