package swapexecutor

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"positionmonitor/internal/models"
)

// RESTExecutor dispatches a reversing trade as a signed REST market order,
// HMAC-SHA256 signing the request the way the venue's authenticated order
// endpoint requires.
type RESTExecutor struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewRESTExecutor builds an executor against baseURL, signing every order
// request with secretKey.
func NewRESTExecutor(apiKey, secretKey, baseURL string, logger *zap.Logger) *RESTExecutor {
	return &RESTExecutor{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

func (e *RESTExecutor) sign(payload string) string {
	h := hmac.New(sha256.New, []byte(e.secretKey))
	h.Write([]byte(payload))
	return fmt.Sprintf("%x", h.Sum(nil))
}

type orderResponse struct {
	OrderID    int64  `json:"orderId"`
	Price      string `json:"price"`
	AvgPrice   string `json:"avgPrice"`
	ExecutedAt int64  `json:"updateTime"`
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("swap executor error: code=%d msg=%s", e.Code, e.Msg)
}

func (e *RESTExecutor) Execute(ctx context.Context, req models.ReversingRequest) (*models.SwapReceipt, error) {
	params := url.Values{}
	params.Set("symbol", req.TokenSymbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", "MARKET")
	params.Set("quantity", req.Amount.String())
	params.Set("newClientOrderId", req.TradeID)
	params.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))

	payload := params.Encode()
	signed := fmt.Sprintf("%s&signature=%s", payload, e.sign(payload))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/fapi/v1/order", strings.NewReader(signed))
	if err != nil {
		return nil, fmt.Errorf("build order request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("X-MBX-APIKEY", e.apiKey)

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute reversing trade: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read order response: %w", err)
	}

	var apiErr apiError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
		return nil, &apiErr
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("swap executor returned status %d: %s", resp.StatusCode, string(body))
	}

	var order orderResponse
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}

	fillPriceStr := order.AvgPrice
	if fillPriceStr == "" || fillPriceStr == "0" {
		fillPriceStr = order.Price
	}
	fillPrice, err := decimal.NewFromString(fillPriceStr)
	if err != nil {
		fillPrice = decimal.Zero
	}

	e.logger.Info("reversing trade executed",
		zap.String("tradeId", req.TradeID),
		zap.Int64("orderId", order.OrderID),
		zap.String("fillPrice", fillPrice.String()))

	return &models.SwapReceipt{
		TxHash:    fmt.Sprintf("%d", order.OrderID),
		FillPrice: fillPrice,
		FilledAt:  time.Now(),
	}, nil
}
