package polymarket

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
)

// flexBool unmarshals JSON booleans that some API endpoints encode as
// strings ("true"/"false").
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = s == "true" || s == "1"
	return nil
}

// collateralScale converts between float USD/share quantities and the
// venue's fixed-point integer amounts (6 decimals, USDC convention).
const collateralScale = 1_000_000

// toUnits converts a float quantity to integer base units, rounding half up.
func toUnits(v float64) int64 {
	return int64(v*collateralScale + 0.5)
}

// APIOrderResult is the CLOB's response to an order submission.
type APIOrderResult struct {
	Success     bool     `json:"success"`
	ErrorMsg    string   `json:"errorMsg"`
	OrderID     string   `json:"orderID"`
	OrderHashes []string `json:"orderHashes"`
	Status      string   `json:"status"` // "live", "matched", "delayed", "unmatched"
}

// APIOpenOrder is the CLOB's representation of an order on a status query.
type APIOpenOrder struct {
	ID              string     `json:"id"`
	ClientID        string     `json:"client_id"`
	Status          string     `json:"status"` // "LIVE", "MATCHED", "CANCELED"
	Market          string     `json:"market"`
	AssetID         string     `json:"asset_id"`
	Side            string     `json:"side"`
	OriginalSize    string     `json:"original_size"`
	SizeMatched     string     `json:"size_matched"`
	Price           string     `json:"price"`
	CreatedAt       int64      `json:"created_at"`
	AssociateTrades []APITrade `json:"associate_trades"`
}

// APITrade is one partial execution attached to an order.
type APITrade struct {
	ID    string `json:"id"`
	Price string `json:"price"`
	Size  string `json:"size"`
}

// ToFillStatus maps the venue order representation to the domain fill view.
// The average fill price is computed across associated trades; when the
// venue omits trades, the limit price is the best information available.
func (o *APIOpenOrder) ToFillStatus() domain.FillStatus {
	fs := domain.FillStatus{ExternalID: o.ID}

	fs.FilledSize, _ = strconv.ParseFloat(o.SizeMatched, 64)
	original, _ := strconv.ParseFloat(o.OriginalSize, 64)
	limit, _ := strconv.ParseFloat(o.Price, 64)

	var notional, size float64
	for _, t := range o.AssociateTrades {
		p, _ := strconv.ParseFloat(t.Price, 64)
		s, _ := strconv.ParseFloat(t.Size, 64)
		notional += p * s
		size += s
	}
	if size > 0 {
		fs.AvgFillPrice = notional / size
	} else if fs.FilledSize > 0 {
		fs.AvgFillPrice = limit
	}

	switch o.Status {
	case "MATCHED":
		fs.Status = domain.OrderStatusFilled
		fs.Terminal = true
	case "CANCELED":
		switch {
		case original > 0 && fs.FilledSize >= original:
			fs.Status = domain.OrderStatusFilled
		case fs.FilledSize > 0:
			fs.Status = domain.OrderStatusPartial
		default:
			fs.Status = domain.OrderStatusRejected
		}
		fs.Terminal = true
	default: // LIVE, DELAYED
		if fs.FilledSize > 0 {
			fs.Status = domain.OrderStatusPartial
		} else {
			fs.Status = domain.OrderStatusPending
		}
	}

	return fs
}

// APIMarket is the subset of the market metadata endpoint the engine needs:
// resolution state and the winning outcome token.
type APIMarket struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Closed   flexBool `json:"closed"`
	EndDate  string   `json:"endDate"`
	Tokens   []Token  `json:"tokens"`
}

// Token is one outcome token of a market.
type Token struct {
	TokenID string   `json:"token_id"`
	Outcome string   `json:"outcome"`
	Winner  flexBool `json:"winner"`
	Price   float64  `json:"price"`
}

// ToResolution maps the market metadata to the domain resolution view.
func (m *APIMarket) ToResolution(now time.Time) domain.MarketResolution {
	res := domain.MarketResolution{
		MarketID: m.ID,
		Resolved: bool(m.Closed),
	}
	if !res.Resolved {
		return res
	}
	for _, t := range m.Tokens {
		if t.Winner {
			res.WinningTokenID = t.TokenID
			break
		}
	}
	// A closed market with no declared winner is still awaiting payout
	// determination; report it unresolved so the sweep revisits it.
	if res.WinningTokenID == "" {
		res.Resolved = false
		return res
	}
	if ts, err := time.Parse(time.RFC3339, m.EndDate); err == nil {
		res.ResolvedAt = ts
	} else {
		res.ResolvedAt = now
	}
	return res
}

// WSMessage envelopes every frame on the market and user channels.
type WSMessage struct {
	MsgType   string `json:"msg_type"`
	EventType string `json:"event_type,omitempty"`
}

// BookMessage is a full book snapshot on the "book" channel.
type BookMessage struct {
	AssetID   string         `json:"asset_id"`
	Market    string         `json:"market"`
	Timestamp string         `json:"timestamp"`
	Bids      []WSPriceLevel `json:"bids"`
	Asks      []WSPriceLevel `json:"asks"`
}

// WSPriceLevel is one price level in a book message.
type WSPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// ToQuote reduces a book snapshot to the top-of-book quote the engine uses.
// Bids arrive ascending and asks descending, so the best level sits at the
// end of each slice.
func (b *BookMessage) ToQuote(now time.Time) domain.Quote {
	q := domain.Quote{TokenID: b.AssetID, UpdatedAt: now}

	if ms, err := strconv.ParseInt(b.Timestamp, 10, 64); err == nil && ms > 0 {
		q.UpdatedAt = time.UnixMilli(ms)
	}

	if n := len(b.Bids); n > 0 {
		best := b.Bids[n-1]
		q.BestBid, _ = strconv.ParseFloat(best.Price, 64)
		q.BidSize, _ = strconv.ParseFloat(best.Size, 64)
	}
	if n := len(b.Asks); n > 0 {
		best := b.Asks[n-1]
		q.BestAsk, _ = strconv.ParseFloat(best.Price, 64)
		q.AskSize, _ = strconv.ParseFloat(best.Size, 64)
	}
	return q
}

// OrderUpdateMessage is a fill/lifecycle update on the authenticated user
// channel.
type OrderUpdateMessage struct {
	ID          string `json:"id"`
	ClientID    string `json:"client_id"`
	AssetID     string `json:"asset_id"`
	Status      string `json:"status"`
	OriginalSize string `json:"original_size"`
	SizeMatched string `json:"size_matched"`
	Price       string `json:"price"`
	Type        string `json:"type"` // "PLACEMENT", "UPDATE", "CANCELLATION"
}

// ToFillStatus maps a user-channel update to the domain fill view.
func (m *OrderUpdateMessage) ToFillStatus() domain.FillStatus {
	o := APIOpenOrder{
		ID:           m.ID,
		ClientID:     m.ClientID,
		Status:       m.Status,
		OriginalSize: m.OriginalSize,
		SizeMatched:  m.SizeMatched,
		Price:        m.Price,
	}
	return o.ToFillStatus()
}

// WSCommand is a subscribe/unsubscribe frame. Auth is required for the user
// channel and ignored on the market channel.
type WSCommand struct {
	Type    string   `json:"type"` // "subscribe" or "unsubscribe"
	Channel string   `json:"channel"`
	Assets  []string `json:"assets_ids,omitempty"`
	Markets []string `json:"markets,omitempty"`
	Auth    *WSAuth  `json:"auth,omitempty"`
}

// WSAuth carries the L2 credentials for the user channel subscription.
type WSAuth struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}
