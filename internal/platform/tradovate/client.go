// Package tradovate is the REST client for the broker API consumed by the
// replication engine: bearer-token auth, snapshot-style order/position
// queries, and order placement/cancel/modify. The broker exposes no push
// feed; every read is a poll.
package tradovate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/mirrorbot/internal/domain"
)

// Client is the broker REST client. It is stateless with respect to
// authentication: the Session Manager owns tokens and passes the current one
// into each call.
type Client struct {
	baseURL    string
	appID      string
	appVersion string
	deviceID   string
	httpClient *http.Client
}

// Config holds client construction parameters.
type Config struct {
	BaseURL    string
	AppID      string
	AppVersion string
	DeviceID   string
	Timeout    time.Duration
}

// NewClient creates a broker REST client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		appID:      cfg.AppID,
		appVersion: cfg.AppVersion,
		deviceID:   cfg.DeviceID,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Authenticate exchanges credentials for a bearer token.
// POST /auth/accesstokenrequest.
func (c *Client) Authenticate(ctx context.Context, username, password, cid, sec string) (AccessTokenResponse, error) {
	req := AccessTokenRequest{
		Name:       username,
		Password:   password,
		AppID:      c.appID,
		AppVersion: c.appVersion,
		CID:        cid,
		Sec:        sec,
		DeviceID:   c.deviceID,
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/auth/accesstokenrequest", "", req)
	if err != nil {
		return AccessTokenResponse{}, fmt.Errorf("tradovate: authenticate: %w", err)
	}

	var resp AccessTokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return AccessTokenResponse{}, fmt.Errorf("tradovate: decode token response: %w", err)
	}
	if resp.AccessToken == "" {
		msg := resp.ErrorText
		if msg == "" {
			msg = "no access token in response"
		}
		return AccessTokenResponse{}, &domain.AuthError{Msg: msg}
	}

	return resp, nil
}

// ListAccounts returns the broker accounts visible to the token.
// GET /account/list.
func (c *Client) ListAccounts(ctx context.Context, token string) ([]BrokerAccount, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/account/list", token, nil)
	if err != nil {
		return nil, fmt.Errorf("tradovate: list accounts: %w", err)
	}

	var accounts []BrokerAccount
	if err := json.Unmarshal(body, &accounts); err != nil {
		return nil, fmt.Errorf("tradovate: decode accounts: %w", err)
	}
	return accounts, nil
}

// ListOrders returns a snapshot of the account's orders.
// GET /order/list?accountId=.
func (c *Client) ListOrders(ctx context.Context, token string, accountID int64) ([]domain.BrokerOrder, error) {
	path := "/order/list?" + url.Values{"accountId": {strconv.FormatInt(accountID, 10)}}.Encode()

	body, err := c.doRequest(ctx, http.MethodGet, path, token, nil)
	if err != nil {
		return nil, fmt.Errorf("tradovate: list orders: %w", err)
	}

	var orders []wireOrder
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, fmt.Errorf("tradovate: decode orders: %w", err)
	}

	out := make([]domain.BrokerOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, toBrokerOrder(o))
	}
	return out, nil
}

// ListPositions returns the account's net positions keyed by symbol.
// GET /position/list?accountId=.
func (c *Client) ListPositions(ctx context.Context, token string, accountID int64) (map[string]int, error) {
	path := "/position/list?" + url.Values{"accountId": {strconv.FormatInt(accountID, 10)}}.Encode()

	body, err := c.doRequest(ctx, http.MethodGet, path, token, nil)
	if err != nil {
		return nil, fmt.Errorf("tradovate: list positions: %w", err)
	}

	var positions []wirePosition
	if err := json.Unmarshal(body, &positions); err != nil {
		return nil, fmt.Errorf("tradovate: decode positions: %w", err)
	}

	out := make(map[string]int, len(positions))
	for _, p := range positions {
		if p.NetPos != 0 {
			out[p.Symbol] += p.NetPos
		}
	}
	return out, nil
}

// PlaceOrder submits a new order. The request's ClOrdID must carry the task
// idempotency key; on an ambiguous outcome the caller resolves it with
// FindOrderByClientID before any resubmission.
// POST /order/placeorder.
func (c *Client) PlaceOrder(ctx context.Context, token string, req PlaceOrderRequest) (PlaceOrderResponse, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/order/placeorder", token, req)
	if err != nil {
		if isTimeout(err) {
			return PlaceOrderResponse{}, &domain.AmbiguousOutcomeError{ClientOrderID: req.ClOrdID, Err: err}
		}
		return PlaceOrderResponse{}, fmt.Errorf("tradovate: place order: %w", err)
	}

	var resp PlaceOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return PlaceOrderResponse{}, fmt.Errorf("tradovate: decode place response: %w", err)
	}
	if resp.FailureReason != "" {
		return PlaceOrderResponse{}, &domain.BrokerRejectionError{Code: resp.FailureReason, Msg: resp.FailureText}
	}
	return resp, nil
}

// CancelOrder cancels an order by broker order id.
// POST /order/cancelorder.
func (c *Client) CancelOrder(ctx context.Context, token string, orderID int64) error {
	req := map[string]int64{"orderId": orderID}
	body, err := c.doRequest(ctx, http.MethodPost, "/order/cancelorder", token, req)
	if err != nil {
		if isTimeout(err) {
			return &domain.AmbiguousOutcomeError{Err: err}
		}
		return fmt.Errorf("tradovate: cancel order %d: %w", orderID, err)
	}

	var resp PlaceOrderResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.FailureReason != "" {
		return &domain.BrokerRejectionError{Code: resp.FailureReason, Msg: resp.FailureText}
	}
	return nil
}

// ModifyOrder adjusts quantity/price of a live order.
// POST /order/modifyorder.
func (c *Client) ModifyOrder(ctx context.Context, token string, req ModifyOrderRequest) error {
	body, err := c.doRequest(ctx, http.MethodPost, "/order/modifyorder", token, req)
	if err != nil {
		if isTimeout(err) {
			return &domain.AmbiguousOutcomeError{Err: err}
		}
		return fmt.Errorf("tradovate: modify order %d: %w", req.OrderID, err)
	}

	var resp PlaceOrderResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.FailureReason != "" {
		return &domain.BrokerRejectionError{Code: resp.FailureReason, Msg: resp.FailureText}
	}
	return nil
}

// FindOrderByClientID looks up an order by its client-order-id. Used to
// resolve ambiguous outcomes: a timed-out placement either produced this
// order or nothing. Returns domain.ErrNotFound when no order matches.
func (c *Client) FindOrderByClientID(ctx context.Context, token string, accountID int64, clOrdID string) (domain.BrokerOrder, error) {
	orders, err := c.ListOrders(ctx, token, accountID)
	if err != nil {
		return domain.BrokerOrder{}, fmt.Errorf("tradovate: find by client id: %w", err)
	}
	for _, o := range orders {
		if o.ClientOrderID == clOrdID {
			return o, nil
		}
	}
	return domain.BrokerOrder{}, domain.ErrNotFound
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doRequest builds, sends, and reads an HTTP request against the broker API,
// attaching the bearer token when present.
func (c *Client) doRequest(ctx context.Context, method, path, token string, reqBody any) ([]byte, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts stay detectable through the wrap: mutation paths rewrap
		// them as ambiguous outcomes, read paths retry them as transient.
		return nil, &domain.TransientNetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.TransientNetworkError{Op: "read " + path, Err: err}
	}

	if err := c.checkStatus(resp, respBody); err != nil {
		return nil, err
	}

	return respBody, nil
}

// checkStatus maps non-2xx HTTP status codes onto the engine error taxonomy.
func (c *Client) checkStatus(resp *http.Response, body []byte) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}

	var apiErr errorResponse
	_ = json.Unmarshal(body, &apiErr)

	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &domain.AuthError{Msg: apiErr.ErrorText}
	case http.StatusTooManyRequests:
		return &domain.RateLimitedError{RetryAfter: retryAfter(resp)}
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		return &domain.BrokerRejectionError{Code: apiErr.ErrorCode, Msg: apiErr.ErrorText}
	default:
		if code >= 500 {
			return &domain.TransientNetworkError{
				Op:  resp.Request.Method + " " + resp.Request.URL.Path,
				Err: fmt.Errorf("HTTP %d: %s", code, apiErr.ErrorText),
			}
		}
		return fmt.Errorf("tradovate: HTTP %d: %s (%s)", code, apiErr.ErrorText, apiErr.ErrorCode)
	}
}

// retryAfter parses the Retry-After header, defaulting to one second when the
// broker gives none.
func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Second
}

// isTimeout reports whether err represents a request that may have reached
// the broker without a readable outcome.
func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// toBrokerOrder converts the wire representation to the domain view.
func toBrokerOrder(o wireOrder) domain.BrokerOrder {
	return domain.BrokerOrder{
		OrderID:       strconv.FormatInt(o.ID, 10),
		ClientOrderID: o.ClOrdID,
		Symbol:        o.Symbol,
		Side:          domain.OrderSide(o.Action),
		Quantity:      o.OrderQty,
		FilledQty:     o.CumQty,
		Price:         o.Price,
		OrderType:     domain.OrderType(o.OrderType),
		Status:        o.OrdStatus,
		Timestamp:     o.Timestamp,
	}
}
