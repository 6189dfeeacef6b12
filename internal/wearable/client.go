// Package wearable implements the vendor HTTP integration behind the sync
// orchestrator's source contract: an OAuth2 token endpoint plus an
// incremental heart-rate fetch endpoint with rate-limit signalling.
package wearable

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/BouncyMolecules/cardiac-health-platform/internal/domain"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/ingest"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/syncer"
)

// ClientConfig identifies this application to the vendor API.
type ClientConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// Client talks to the vendor's REST API. It implements syncer.SourceClient.
type Client struct {
	http   *resty.Client
	cfg    ClientConfig
	logger *zap.Logger
}

// NewClient constructs a Client.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	return &Client{http: httpClient, cfg: cfg, logger: logger}
}

// tokenResponse is the vendor's OAuth2 token grant payload.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// heartRatePoint is one intraday measurement in the vendor's feed.
type heartRatePoint struct {
	RecordID  string  `json:"record_id"`
	Timestamp string  `json:"timestamp"`
	Value     float64 `json:"value"`
	Metric    string  `json:"metric_type"`
}

// fetchResponse wraps the vendor's incremental data endpoint.
type fetchResponse struct {
	Points []heartRatePoint `json:"points"`
}

// Refresh implements syncer.SourceClient using the refresh grant.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (syncer.Token, error) {
	var body tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret).
		SetFormData(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": refreshToken,
		}).
		SetResult(&body).
		Post("/oauth2/token")
	if err != nil {
		return syncer.Token{}, fmt.Errorf("token endpoint: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		c.logger.Warn("token refresh rejected",
			zap.Int("status", resp.StatusCode()),
		)
		return syncer.Token{}, fmt.Errorf("%w: token endpoint status %d", domain.ErrAuthExpired, resp.StatusCode())
	}

	return syncer.Token{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}

// Fetch implements syncer.SourceClient: incremental records strictly after
// the since watermark, tagged with the wearable source.
func (c *Client) Fetch(ctx context.Context, patientID, accessToken string, since time.Time) ([]ingest.RawRecord, error) {
	var body fetchResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetQueryParam("since", since.UTC().Format(time.RFC3339)).
		SetResult(&body).
		Get(fmt.Sprintf("/v1/patients/%s/heart-rate", patientID))
	if err != nil {
		return nil, fmt.Errorf("fetch endpoint: %w", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: fetch status %d", domain.ErrAuthExpired, resp.StatusCode())
	case http.StatusTooManyRequests:
		return nil, &syncer.RateLimitError{RetryAfter: retryAfter(resp)}
	default:
		return nil, fmt.Errorf("fetch endpoint status %d", resp.StatusCode())
	}

	records := make([]ingest.RawRecord, 0, len(body.Points))
	for _, p := range body.Points {
		metric := p.Metric
		if metric == "" {
			metric = string(domain.MetricHeartRate)
		}
		records = append(records, ingest.RawRecord{
			PatientID: patientID,
			Metric:    metric,
			Timestamp: p.Timestamp,
			Value:     p.Value,
			Source:    string(domain.SourceWearable),
			RecordID:  p.RecordID,
		})
	}
	return records, nil
}

func retryAfter(resp *resty.Response) time.Duration {
	header := resp.Header().Get("Retry-After")
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
