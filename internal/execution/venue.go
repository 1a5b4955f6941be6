package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/order-stream/internal/httpclient"
	"github.com/Checker-Finance/order-stream/internal/rate"
	"github.com/Checker-Finance/order-stream/pkg/model"
)

type executeRequest struct {
	OrderID  string          `json:"orderId"`
	TokenIn  string          `json:"tokenIn"`
	TokenOut string          `json:"tokenOut"`
	Amount   decimal.Decimal `json:"amount"`
	Side     model.Side      `json:"side"`
	Type     model.OrderType `json:"type"`
}

type executeResponse struct {
	Price      decimal.Decimal  `json:"price"`
	AmountOut  *decimal.Decimal `json:"amountOut"`
	Venue      string           `json:"venue"`
	TxHash     string           `json:"txHash"`
	ExecutedAt *time.Time       `json:"executedAt"`
}

type venueError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// VenueClient executes orders against an HTTP execution service.
type VenueClient struct {
	url    string
	apiKey string
	exec   *httpclient.Executor
	logger *zap.Logger
}

// NewVenueClient builds a client for the execute endpoint at url. Requests
// are rate limited per token pair.
func NewVenueClient(url, apiKey string, timeout time.Duration, limits rate.Config, logger *zap.Logger) *VenueClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := &http.Client{Timeout: timeout}
	return &VenueClient{
		url:    url,
		apiKey: apiKey,
		exec:   httpclient.New(logger, rate.NewManager(limits), httpClient, "venue", decodeVenueError),
		logger: logger,
	}
}

func decodeVenueError(status int, body []byte) error {
	var ve venueError
	_ = json.Unmarshal(body, &ve)
	reason := strings.TrimSpace(ve.Error)
	if reason == "" {
		reason = strings.TrimSpace(ve.Message)
	}
	if reason == "" {
		reason = fmt.Sprintf("venue returned %d", status)
	}
	return model.Terminal(reason, nil)
}

// Execute posts the order. The order id is sent as the Idempotency-Key so a
// redelivered job cannot trade twice.
func (c *VenueClient) Execute(ctx context.Context, o model.Order) (*model.Result, error) {
	payload, err := json.Marshal(executeRequest{
		OrderID:  o.ID,
		TokenIn:  o.TokenIn,
		TokenOut: o.TokenOut,
		Amount:   o.Amount,
		Side:     o.Side,
		Type:     o.Type,
	})
	if err != nil {
		return nil, model.Terminal("encode execute request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, model.Terminal("build execute request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", o.ID)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	var resp executeResponse
	if err := c.exec.DoJSON(ctx, req, o.TokenIn+"/"+o.TokenOut, &resp); err != nil {
		return nil, err
	}
	if !resp.Price.IsPositive() {
		return nil, model.Terminal("venue returned no fill price", nil)
	}

	price := resp.Price
	res := &model.Result{
		Price:      &price,
		AmountOut:  resp.AmountOut,
		Venue:      resp.Venue,
		TxHash:     resp.TxHash,
		ExecutedAt: resp.ExecutedAt,
	}
	if res.AmountOut == nil {
		out := fillAmount(o, price)
		res.AmountOut = &out
	}
	if res.ExecutedAt == nil {
		now := time.Now().UTC()
		res.ExecutedAt = &now
	}
	return res, nil
}

// fillAmount derives the output amount from the input amount and price
// (price is quoted as tokenOut per tokenIn for sells and tokenIn per
// tokenOut for buys).
func fillAmount(o model.Order, price decimal.Decimal) decimal.Decimal {
	if o.Side == model.SideBuy {
		return o.Amount.Div(price).Round(8)
	}
	return o.Amount.Mul(price).Round(8)
}
