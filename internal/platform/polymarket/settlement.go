package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
)

// SettlementClient submits collateral redemption claims for resolved winning
// positions through the venue's gasless relayer, so the wallet does not need
// gas for the on-chain redemption. Claims are idempotent on the claim ID:
// resubmitting a claim the relayer already holds returns the original
// transaction reference instead of a second redemption.
type SettlementClient struct {
	clob *ClobClient
}

// NewSettlementClient creates a SettlementClient on top of the CLOB client,
// reusing its authentication and rate limiting.
func NewSettlementClient(clob *ClobClient) *SettlementClient {
	return &SettlementClient{clob: clob}
}

// SubmitClaim asks the relayer to redeem the winning collateral for a
// resolved market. The redemption ID is the idempotency key; the returned
// transaction reference identifies the on-chain redemption.
func (s *SettlementClient) SubmitClaim(ctx context.Context, r domain.Redemption) (string, error) {
	if err := s.clob.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("polymarket/settlement: rate wait: %w", err)
	}

	body := map[string]any{
		"claimID":   r.ID,
		"market":    r.MarketID,
		"amount":    fmt.Sprintf("%d", toUnits(r.ClaimUSD)),
		"recipient": s.clob.maker(),
	}

	respBody, _, err := s.clob.doAuthenticatedRequest(ctx, http.MethodPost, "/redeem", body)
	if err != nil {
		return "", fmt.Errorf("polymarket/settlement: submit claim %s: %w", r.ID, err)
	}

	var result struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"errorMsg"`
		TxHash   string `json:"transactionHash"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("polymarket/settlement: decode claim response: %w", err)
	}
	if !result.Success {
		return "", fmt.Errorf("polymarket/settlement: claim %s rejected: %s", r.ID, result.ErrorMsg)
	}
	return result.TxHash, nil
}

// ClaimConfirmed reports whether a previously submitted claim's transaction
// has been confirmed on chain.
func (s *SettlementClient) ClaimConfirmed(ctx context.Context, txRef string) (bool, error) {
	if err := s.clob.limiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("polymarket/settlement: rate wait: %w", err)
	}

	respBody, _, err := s.clob.doAuthenticatedRequest(ctx, http.MethodGet,
		"/redeem/status?tx="+url.QueryEscape(txRef), nil)
	if err != nil {
		return false, fmt.Errorf("polymarket/settlement: claim status %s: %w", txRef, err)
	}

	var result struct {
		Status string `json:"status"` // "pending", "confirmed", "failed"
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return false, fmt.Errorf("polymarket/settlement: decode status response: %w", err)
	}
	switch result.Status {
	case "confirmed":
		return true, nil
	case "failed":
		return false, fmt.Errorf("polymarket/settlement: claim tx %s failed on chain", txRef)
	default:
		return false, nil
	}
}
