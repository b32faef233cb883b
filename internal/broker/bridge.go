package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"mt5-risk-engine-go/internal/models"

	"go.uber.org/zap"
)

// BridgeClient 实现了 Broker 接口, 通过 HTTP 与运行在终端旁边的桥接服务交互.
type BridgeClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
	stream     *TickStream
}

// NewBridgeClient creates a client for the bridge at baseURL.
func NewBridgeClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *BridgeClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BridgeClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// UseStream makes CurrentTick answer from the websocket stream while its quote is fresh.
func (c *BridgeClient) UseStream(s *TickStream) {
	c.stream = s
}

// doRequest 是通用的请求函数: 添加API Key, 发送请求, 解析桥接服务返回的错误结构.
func (c *BridgeClient) doRequest(ctx context.Context, method, endpoint string, params url.Values, payload any) ([]byte, error) {
	fullURL := c.baseURL + endpoint
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("编码请求体失败: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-API-KEY", c.apiKey)

	c.logger.Debug("bridge request", zap.String("method", method), zap.String("url", fullURL))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("执行请求失败: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	var apiErr models.Error
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Code != 0 {
		return data, &apiErr
	}
	if resp.StatusCode != http.StatusOK {
		return data, fmt.Errorf("API请求失败, 状态码: %d, 响应: %s", resp.StatusCode, string(data))
	}
	return data, nil
}

func (c *BridgeClient) get(ctx context.Context, op, endpoint string, params url.Values, out any) error {
	data, err := c.doRequest(ctx, http.MethodGet, endpoint, params, nil)
	if err != nil {
		return unavailable(op, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return unavailable(op, fmt.Errorf("解析响应失败: %w", err))
	}
	return nil
}

func (c *BridgeClient) AccountInfo(ctx context.Context) (models.AccountSnapshot, error) {
	var a models.AccountSnapshot
	err := c.get(ctx, "account_info", "/api/v1/account", nil, &a)
	return a, err
}

func (c *BridgeClient) SymbolInfo(ctx context.Context, symbol string) (models.SymbolSpec, error) {
	var s models.SymbolSpec
	err := c.get(ctx, "symbol_info", "/api/v1/symbols/"+url.PathEscape(symbol), nil, &s)
	return s, err
}

func (c *BridgeClient) CurrentTick(ctx context.Context, symbol string) (models.Tick, error) {
	if c.stream != nil {
		if t, ok := c.stream.Latest(); ok && t.Symbol == symbol {
			return t, nil
		}
	}
	var t models.Tick
	err := c.get(ctx, "symbol_info_tick", "/api/v1/ticks/"+url.PathEscape(symbol), nil, &t)
	return t, err
}

func (c *BridgeClient) Positions(ctx context.Context, symbol string) ([]models.Position, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var out []models.Position
	err := c.get(ctx, "positions_get", "/api/v1/positions", params, &out)
	return out, err
}

func (c *BridgeClient) Orders(ctx context.Context, symbol string) ([]models.PendingOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var out []models.PendingOrder
	err := c.get(ctx, "orders_get", "/api/v1/orders", params, &out)
	return out, err
}

func (c *BridgeClient) HistoryDeals(ctx context.Context, from, to time.Time) ([]models.Deal, error) {
	params := url.Values{}
	params.Set("from", strconv.FormatInt(from.Unix(), 10))
	params.Set("to", strconv.FormatInt(to.Unix(), 10))
	var out []models.Deal
	err := c.get(ctx, "history_deals_get", "/api/v1/deals", params, &out)
	return out, err
}

type orderSendPayload struct {
	Kind    models.RequestKind  `json:"kind"`
	Request models.TradeRequest `json:"request"`
}

// OrderSend posts one typed request. Transport failures are returned as-is so
// the gateway can classify them; a decoded result carries the trade server retcode.
func (c *BridgeClient) OrderSend(ctx context.Context, req models.TradeRequest) (models.TradeResult, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/api/v1/order_send", nil, orderSendPayload{Kind: req.Kind(), Request: req})
	if err != nil {
		return models.TradeResult{}, err
	}
	var res models.TradeResult
	if err := json.Unmarshal(data, &res); err != nil {
		return models.TradeResult{}, fmt.Errorf("解析下单结果失败: %w", err)
	}
	return res, nil
}
