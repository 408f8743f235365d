// Package polymarket contains the venue-facing clients: the CLOB REST API
// for order submission and status, the market metadata API used as the
// resolution oracle, the settlement client for collateral redemption, and
// the real-time WebSocket feed.
package polymarket

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/mirrorlabs/mirrorbot/internal/crypto"
	"github.com/mirrorlabs/mirrorbot/internal/domain"
)

// zeroAddress is the taker address for publicly fillable orders.
const zeroAddress = "0x0000000000000000000000000000000000000000"

// ClobConfig holds the parameters for the CLOB REST client.
type ClobConfig struct {
	BaseURL       string
	SignatureType int
	FunderAddress string // maker address; empty means the signer's own EOA
	HTTPTimeout   time.Duration
	RateLimit     float64 // requests per second against the REST API
	RateBurst     int
}

// ClobClient is the REST client for the CLOB (Central Limit Order Book)
// API. It signs, submits, and queries live orders. Every submission carries
// the engine's order ID as the client order id, which is the idempotency
// handle used to reconcile timed-out submissions.
type ClobClient struct {
	cfg        ClobConfig
	httpClient *http.Client
	signer     *crypto.Signer
	hmacAuth   *crypto.HMACAuth
	limiter    *rate.Limiter
}

// NewClobClient creates a new CLOB REST client.
func NewClobClient(cfg ClobConfig, signer *crypto.Signer, hmac *crypto.HMACAuth) *ClobClient {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 8
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 4
	}
	return &ClobClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		signer:     signer,
		hmacAuth:   hmac,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
	}
}

// maker returns the on-chain maker address for signed orders.
func (c *ClobClient) maker() string {
	if c.cfg.FunderAddress != "" {
		return c.cfg.FunderAddress
	}
	return c.signer.Address().Hex()
}

// SubmitOrder signs and submits a limit order. The order's ID is sent as the
// client order id so a replayed submission is rejected by the venue rather
// than doubling the position.
//
// A returned error means the attempt's outcome is unknown or transient
// (transport failure, 5xx, rate limit) and the caller may retry or
// reconcile. A SubmitResult with Accepted=false and Definitive=true is a
// venue rejection that must not be retried.
func (c *ClobClient) SubmitOrder(ctx context.Context, o domain.Order) (domain.SubmitResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.SubmitResult{}, fmt.Errorf("polymarket/clob: rate wait: %w", err)
	}

	payload, err := c.buildOrderPayload(o)
	if err != nil {
		return domain.SubmitResult{}, err
	}

	sig, err := c.signer.SignOrder(payload)
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("polymarket/clob: %w: %v", domain.ErrSigningFailed, err)
	}

	body := map[string]any{
		"order": map[string]any{
			"salt":          payload.Salt,
			"maker":         payload.Maker,
			"signer":        payload.Signer,
			"taker":         payload.Taker,
			"tokenID":       payload.TokenID,
			"makerAmount":   payload.MakerAmount,
			"takerAmount":   payload.TakerAmount,
			"expiration":    payload.Expiration,
			"nonce":         payload.Nonce,
			"feeRateBps":    payload.FeeRateBps,
			"side":          sideString(o.Side),
			"signatureType": payload.SignatureType,
			"signature":     sig,
		},
		"owner":     c.maker(),
		"orderType": string(domain.OrderTypeGTC),
		"clientID":  o.ID,
	}

	respBody, status, err := c.doAuthenticatedRequest(ctx, http.MethodPost, "/order", body)
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("polymarket/clob: post order %s: %w", o.ID, err)
	}

	var apiResult APIOrderResult
	if err := json.Unmarshal(respBody, &apiResult); err != nil {
		return domain.SubmitResult{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}

	result := domain.SubmitResult{
		Accepted:   apiResult.Success,
		ExternalID: apiResult.OrderID,
		Message:    apiResult.ErrorMsg,
	}
	switch apiResult.Status {
	case "matched":
		result.Status = domain.OrderStatusFilled
	case "live", "delayed":
		result.Status = domain.OrderStatusPending
	default:
		result.Status = domain.OrderStatusPending
	}
	if !apiResult.Success {
		result.Status = domain.OrderStatusRejected
		// 4xx with a structured error body is the venue saying no; 2xx
		// success=false likewise. Both are final for this order.
		result.Definitive = status < http.StatusInternalServerError
	}
	return result, nil
}

// buildOrderPayload converts a domain order to the signed EIP-712 struct.
// For buys the maker amount is collateral and the taker amount outcome
// shares; sells are the inverse.
func (c *ClobClient) buildOrderPayload(o domain.Order) (crypto.OrderPayload, error) {
	salt, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return crypto.OrderPayload{}, fmt.Errorf("polymarket/clob: generate salt: %w", err)
	}

	shares := toUnits(o.RequestedSize)
	collateral := toUnits(o.LimitPrice * o.RequestedSize)

	p := crypto.OrderPayload{
		Salt:          salt.String(),
		Maker:         c.maker(),
		Signer:        c.signer.Address().Hex(),
		Taker:         zeroAddress,
		TokenID:       o.TokenID,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		SignatureType: c.cfg.SignatureType,
	}
	if o.Side == domain.OrderSideBuy {
		p.Side = 0
		p.MakerAmount = strconv.FormatInt(collateral, 10)
		p.TakerAmount = strconv.FormatInt(shares, 10)
	} else {
		p.Side = 1
		p.MakerAmount = strconv.FormatInt(shares, 10)
		p.TakerAmount = strconv.FormatInt(collateral, 10)
	}
	return p, nil
}

func sideString(s domain.OrderSide) string {
	if s == domain.OrderSideBuy {
		return "BUY"
	}
	return "SELL"
}

// QueryFill retrieves the current fill state of an order by its venue ID.
func (c *ClobClient) QueryFill(ctx context.Context, externalID string) (domain.FillStatus, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.FillStatus{}, fmt.Errorf("polymarket/clob: rate wait: %w", err)
	}

	respBody, _, err := c.doAuthenticatedRequest(ctx, http.MethodGet, "/order/"+url.PathEscape(externalID), nil)
	if err != nil {
		return domain.FillStatus{}, fmt.Errorf("polymarket/clob: query fill %s: %w", externalID, err)
	}

	var apiOrder APIOpenOrder
	if err := json.Unmarshal(respBody, &apiOrder); err != nil {
		return domain.FillStatus{}, fmt.Errorf("polymarket/clob: decode order: %w", err)
	}
	return apiOrder.ToFillStatus(), nil
}

// ReconcileByClientID looks an order up by the client order id the engine
// attached at submission. This is the recovery path after a submission
// timeout: order found means the attempt reached the venue; ErrNotFound
// means it never landed and a fresh submission is safe.
func (c *ClobClient) ReconcileByClientID(ctx context.Context, clientOrderID string) (domain.FillStatus, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.FillStatus{}, fmt.Errorf("polymarket/clob: rate wait: %w", err)
	}

	params := url.Values{}
	params.Set("client_id", clientOrderID)
	respBody, _, err := c.doAuthenticatedRequest(ctx, http.MethodGet, "/orders?"+params.Encode(), nil)
	if err != nil {
		return domain.FillStatus{}, fmt.Errorf("polymarket/clob: reconcile %s: %w", clientOrderID, err)
	}

	var apiOrders []APIOpenOrder
	if err := json.Unmarshal(respBody, &apiOrders); err != nil {
		return domain.FillStatus{}, fmt.Errorf("polymarket/clob: decode orders: %w", err)
	}
	for i := range apiOrders {
		if apiOrders[i].ClientID == clientOrderID {
			return apiOrders[i].ToFillStatus(), nil
		}
	}
	return domain.FillStatus{}, domain.ErrNotFound
}

// CancelOrder cancels a single order by its venue ID.
func (c *ClobClient) CancelOrder(ctx context.Context, externalID string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("polymarket/clob: rate wait: %w", err)
	}

	body := map[string]any{"orderID": externalID}
	respBody, _, err := c.doAuthenticatedRequest(ctx, http.MethodDelete, "/order", body)
	if err != nil {
		return fmt.Errorf("polymarket/clob: cancel order %s: %w", externalID, err)
	}

	var result struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"errorMsg"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("polymarket/clob: decode cancel response: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("polymarket/clob: cancel failed: %s", result.ErrorMsg)
	}
	return nil
}

// DeriveAPIKey performs the CLOB auth flow to obtain an HMAC API key. It
// signs a ClobAuth EIP-712 message and sends it with L1 headers to the
// derive-api-key endpoint. On success it populates the client's hmacAuth.
func (c *ClobClient) DeriveAPIKey(ctx context.Context) error {
	address := c.signer.Address().Hex()
	timestamp := time.Now().Unix()
	nonce := int64(0)

	sig, err := c.signer.SignAuthMessage(address, timestamp, nonce)
	if err != nil {
		return fmt.Errorf("polymarket/clob: sign auth message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return fmt.Errorf("polymarket/clob: create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", address)
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("POLY_NONCE", strconv.FormatInt(nonce, 10))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("polymarket/clob: auth request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("polymarket/clob: read auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("polymarket/clob: auth failed (HTTP %d): %s", resp.StatusCode, string(respBody))
	}

	var authResp struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(respBody, &authResp); err != nil {
		return fmt.Errorf("polymarket/clob: decode auth response: %w", err)
	}

	c.hmacAuth = &crypto.HMACAuth{
		Key:        authResp.APIKey,
		Secret:     authResp.Secret,
		Passphrase: authResp.Passphrase,
	}
	return nil
}

// Auth returns the active L2 credentials, or nil before DeriveAPIKey.
func (c *ClobClient) Auth() *crypto.HMACAuth {
	return c.hmacAuth
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doAuthenticatedRequest builds, signs (HMAC), sends, and reads an HTTP
// request against the CLOB API. It returns the raw response body and status.
func (c *ClobClient) doAuthenticatedRequest(ctx context.Context, method, path string, body any) ([]byte, int, error) {
	var bodyReader io.Reader
	var bodyStr string

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.hmacAuth != nil {
		address := c.signer.Address().Hex()
		headers := c.hmacAuth.L2Headers(address, method, path, bodyStr)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, resp.StatusCode, err
	}
	return respBody, resp.StatusCode, nil
}

// checkHTTPStatus maps non-2xx status codes to appropriate domain errors.
// 4xx order rejections are surfaced through the response body, not here;
// this only fails requests that produced no usable body.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	// The CLOB returns structured {success:false} bodies with 400s; let the
	// caller classify those as definitive rejections.
	if statusCode == http.StatusBadRequest && len(body) > 0 && json.Valid(body) {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
