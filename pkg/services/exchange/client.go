package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"copytrade/pkg/services/httpmiddleware"

	"golang.org/x/time/rate"
)

const (
	// API endpoints
	timeEndpoint      = "/api/v1/time"
	positionsEndpoint = "/api/v1/positions"
	fillsEndpoint     = "/api/v1/fills"
	balanceEndpoint   = "/api/v1/balance"
	ordersEndpoint    = "/api/v1/orders"

	orderTypeMarket = "market"
)

// Options - настройки подключения к бирже
type Options struct {
	BaseURL      string
	Timeout      time.Duration
	RateLimit    float64 // запросов в секунду, 0 - без ограничения
	RateBurst    int
	ClockRefresh time.Duration
	LogBodySize  int // см. httpmiddleware.Logger
}

// Connector держит общий HTTP транспорт, лимитер и часы биржи.
// Все клиенты аккаунтов создаются через него.
type Connector struct {
	base       *url.URL
	httpClient *http.Client
	clock      *Clock
	logger     *slog.Logger
}

// NewConnector создает подключение к REST API биржи
func NewConnector(opts Options, logger *slog.Logger) (*Connector, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}

	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", opts.BaseURL)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	httpClient := &http.Client{
		Timeout: timeout,
		Transport: httpmiddleware.Wrap(
			httpmiddleware.DefaultTransport(),
			httpmiddleware.RequestGetBodySetter,
			httpmiddleware.RateLimit(limiter),
			httpmiddleware.RequestID,
			httpmiddleware.Logger(logger, opts.LogBodySize),
		),
	}

	c := &Connector{
		base:       base,
		httpClient: httpClient,
		logger:     logger,
	}
	c.clock = NewClock(c.ServerTime, opts.ClockRefresh)

	return c, nil
}

// Clock возвращает часы биржи
func (c *Connector) Clock() *Clock {
	return c.clock
}

// ServerTime запрашивает время биржи (без подписи)
func (c *Connector) ServerTime(ctx context.Context) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(timeEndpoint, "").String(), http.NoBody)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to build request: %w", err)
	}

	var st serverTime
	if err := c.send(req, &st); err != nil {
		return time.Time{}, err
	}

	return st.Time(), nil
}

// NewClient создает клиент для аккаунта
func (c *Connector) NewClient(name string, creds Credentials) *Client {
	return &Client{
		name:      name,
		connector: c,
		signer:    NewSigner(creds),
		logger:    c.logger.With(slog.String("account", name)),
	}
}

func (c *Connector) endpoint(path, rawQuery string) *url.URL {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = rawQuery

	return &u
}

// send выполняет запрос и разбирает конверт ответа в out.
func (c *Connector) send(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transientError(req.Method+" "+req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return transientError("read response", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		kind, reason := classifyStatus(resp.StatusCode)
		if resp.StatusCode < 300 {
			kind, reason = KindSchema, ""
		}

		return &Error{
			Kind:       kind,
			AuthReason: reason,
			Status:     resp.StatusCode,
			Message:    "malformed response",
			Err:        err,
		}
	}

	if exErr := classify(resp.StatusCode, env); exErr != nil {
		return exErr
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}

	if err := json.Unmarshal(env.Data, out); err != nil {
		return schemaError(resp.StatusCode, "failed to decode data: %v", err)
	}

	return nil
}

// Client - клиент биржи для одного аккаунта.
// Ретраев нет: клиент только классифицирует ошибки.
type Client struct {
	name      string
	connector *Connector
	signer    Signer
	logger    *slog.Logger
}

// Name возвращает имя аккаунта
func (c *Client) Name() string {
	return c.name
}

// do подписывает и выполняет запрос. Подписываются ровно те байты, что уходят в сеть.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return schemaError(0, "failed to encode request: %v", err)
		}
	}

	rawQuery := query.Encode()
	u := c.connector.endpoint(path, rawQuery)

	timestamp, err := c.connector.clock.Timestamp(ctx)
	if err != nil {
		c.logger.Warn("Server time sync failed, using last known offset", slog.Any("error", err))
	}

	var reqBody io.Reader = http.NoBody
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	c.signer.Apply(req.Header, method, timestamp, u.Path, rawQuery, body)

	if err := c.connector.send(req, out); err != nil {
		if exErr, ok := AsError(err); ok && exErr.AuthReason == AuthClockSkew {
			c.connector.clock.Invalidate()
		}

		if IsSchema(err) {
			c.logger.Error("Exchange rejected request",
				slog.String("method", method),
				slog.String("path", path),
				slog.String("query", rawQuery),
				slog.String("request", string(body)),
				slog.Any("error", err))
		}

		return err
	}

	return nil
}

// GetPositions получает открытые позиции; пустой symbol - все позиции
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	query := url.Values{}
	if symbol != "" {
		query.Set("symbol", symbol)
	}

	var positions []Position
	if err := c.do(ctx, http.MethodGet, positionsEndpoint, query, nil, &positions); err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}

	return positions, nil
}

// GetFills получает исполнения начиная с since
func (c *Client) GetFills(ctx context.Context, since time.Time) ([]Fill, error) {
	query := url.Values{}
	query.Set("since", strconv.FormatInt(since.UnixMilli(), 10))

	var fills []Fill
	if err := c.do(ctx, http.MethodGet, fillsEndpoint, query, nil, &fills); err != nil {
		return nil, fmt.Errorf("get fills: %w", err)
	}

	return fills, nil
}

// GetBalance получает баланс аккаунта
func (c *Client) GetBalance(ctx context.Context) (Balance, error) {
	var balance Balance
	if err := c.do(ctx, http.MethodGet, balanceEndpoint, nil, nil, &balance); err != nil {
		return Balance{}, fmt.Errorf("get balance: %w", err)
	}

	return balance, nil
}

// PlaceMarketOrder размещает рыночный ордер
func (c *Client) PlaceMarketOrder(ctx context.Context, req OrderRequest) (Order, error) {
	req.Type = orderTypeMarket

	var order Order
	if err := c.do(ctx, http.MethodPost, ordersEndpoint, nil, req, &order); err != nil {
		return Order{}, fmt.Errorf("place order: %w", err)
	}

	c.logger.Info("✅ PlaceMarketOrder success",
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.String("size", req.Size.String()),
		slog.String("order_id", order.OrderID))

	return order, nil
}

// GetOrder ищет ордер по client order id
func (c *Client) GetOrder(ctx context.Context, clientOrderID string) (Order, error) {
	query := url.Values{}
	query.Set("client_order_id", clientOrderID)

	var order Order
	if err := c.do(ctx, http.MethodGet, ordersEndpoint, query, nil, &order); err != nil {
		return Order{}, fmt.Errorf("get order: %w", err)
	}

	return order, nil
}
