package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
)

// OracleClient queries the market metadata API for resolution outcomes. It
// is read-only and unauthenticated.
type OracleClient struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

// NewOracleClient creates an oracle client.
//
// baseURL is the metadata API root, e.g. "https://gamma-api.polymarket.com".
func NewOracleClient(baseURL string) *OracleClient {
	return &OracleClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
}

// Resolution returns the resolution state of a market. Unresolved markets
// come back with Resolved=false and no winning token; the caller polls again
// later.
func (o *OracleClient) Resolution(ctx context.Context, marketID string) (domain.MarketResolution, error) {
	path := "/markets/" + url.PathEscape(marketID)

	body, err := o.doGet(ctx, path)
	if err != nil {
		return domain.MarketResolution{}, fmt.Errorf("polymarket/oracle: get market %s: %w", marketID, err)
	}

	var apiMarket APIMarket
	if err := json.Unmarshal(body, &apiMarket); err != nil {
		return domain.MarketResolution{}, fmt.Errorf("polymarket/oracle: decode market: %w", err)
	}
	if apiMarket.ID == "" {
		apiMarket.ID = marketID
	}
	return apiMarket.ToResolution(o.now()), nil
}

// doGet sends an unauthenticated GET request to the metadata API.
func (o *OracleClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}
