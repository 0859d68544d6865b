package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brojonat/tipwatch/service/chain"
	"github.com/brojonat/tipwatch/service/monitor"
	"github.com/brojonat/tipwatch/service/notify"
)

// TransactionRequest starts a transaction monitor.
type TransactionRequest struct {
	TxHash         string `json:"tx_hash"`
	ChainID        int64  `json:"chain_id"`
	NotificationID string `json:"notification_id,omitempty"`
	// CreateNotification defaults to true on the server when nil.
	CreateNotification *bool `json:"create_notification,omitempty"`
}

// BalanceRequest starts a balance monitor. Zero values take the server defaults.
type BalanceRequest struct {
	Address          string        `json:"address"`
	ChainID          int64         `json:"chain_id"`
	Token            string        `json:"token,omitempty"`
	PollInterval     time.Duration `json:"-"`
	Threshold        *float64      `json:"threshold,omitempty"`
	NotifyOnIncrease *bool         `json:"notify_on_increase,omitempty"`
	NotifyOnDecrease *bool         `json:"notify_on_decrease,omitempty"`
	Decimals         *int          `json:"decimals,omitempty"`
}

// RelayRequest starts a relay monitor.
type RelayRequest struct {
	RelayID            string        `json:"relay_id"`
	SourceChainID      int64         `json:"source_chain_id"`
	DestinationChainID int64         `json:"destination_chain_id"`
	SourceTxHash       string        `json:"source_tx_hash"`
	MaxWait            time.Duration `json:"-"`
	CreateNotification *bool         `json:"create_notification,omitempty"`
}

// Started is the server's answer to a monitor start.
type Started struct {
	ID             string          `json:"id"`
	Kind           monitor.Kind    `json:"kind"`
	NotificationID string          `json:"notification_id,omitempty"`
	State          json.RawMessage `json:"state"`
}

// Monitor describes a monitor registered on the server. State is decoded lazily
// because its shape depends on Kind.
type Monitor struct {
	ID    string          `json:"id"`
	Kind  monitor.Kind    `json:"kind"`
	State json.RawMessage `json:"state"`
}

// TransactionState decodes State for a transaction monitor.
func (m *Monitor) TransactionState() (monitor.TransactionState, error) {
	var st monitor.TransactionState
	return st, m.decodeState(monitor.KindTransaction, &st)
}

// BalanceState decodes State for a balance monitor.
func (m *Monitor) BalanceState() (monitor.BalanceState, error) {
	var st monitor.BalanceState
	return st, m.decodeState(monitor.KindBalance, &st)
}

// RelayState decodes State for a relay monitor.
func (m *Monitor) RelayState() (monitor.RelayState, error) {
	var st monitor.RelayState
	return st, m.decodeState(monitor.KindRelay, &st)
}

func (m *Monitor) decodeState(kind monitor.Kind, v any) error {
	if m.Kind != kind {
		return fmt.Errorf("monitor %s is a %s monitor, not %s", m.ID, m.Kind, kind)
	}
	if err := json.Unmarshal(m.State, v); err != nil {
		return fmt.Errorf("failed to decode %s state: %w", kind, err)
	}
	return nil
}

// MonitorList is the result of ListMonitors.
type MonitorList struct {
	Monitors []Monitor           `json:"monitors"`
	Counts   map[monitor.Kind]int `json:"counts"`
}

// Refreshed is the result of a balance refresh.
type Refreshed struct {
	Balance string               `json:"balance"`
	State   monitor.BalanceState `json:"state"`
}

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// Client is the HTTP client for the tipwatch service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new tipwatch client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// StartTransactionMonitor asks the server to watch a transaction.
func (c *Client) StartTransactionMonitor(ctx context.Context, req TransactionRequest) (*Started, error) {
	var out Started
	if err := c.do(ctx, http.MethodPost, "/api/v1/monitors/transactions", req, http.StatusCreated, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("transaction monitor started", "monitor_id", out.ID, "tx_hash", req.TxHash, "chain_id", req.ChainID)
	return &out, nil
}

// StartBalanceMonitor asks the server to poll an account balance.
func (c *Client) StartBalanceMonitor(ctx context.Context, req BalanceRequest) (*Started, error) {
	body := struct {
		BalanceRequest
		PollInterval string `json:"poll_interval,omitempty"`
	}{BalanceRequest: req}
	if req.PollInterval > 0 {
		body.PollInterval = req.PollInterval.String()
	}

	var out Started
	if err := c.do(ctx, http.MethodPost, "/api/v1/monitors/balances", body, http.StatusCreated, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("balance monitor started", "monitor_id", out.ID, "address", req.Address, "chain_id", req.ChainID)
	return &out, nil
}

// StartRelayMonitor asks the server to track a cross-chain relay.
func (c *Client) StartRelayMonitor(ctx context.Context, req RelayRequest) (*Started, error) {
	body := struct {
		RelayRequest
		MaxWait string `json:"max_wait,omitempty"`
	}{RelayRequest: req}
	if req.MaxWait > 0 {
		body.MaxWait = req.MaxWait.String()
	}

	var out Started
	if err := c.do(ctx, http.MethodPost, "/api/v1/monitors/relays", body, http.StatusCreated, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("relay monitor started", "monitor_id", out.ID, "relay_id", req.RelayID)
	return &out, nil
}

// GetMonitor retrieves one monitor.
func (c *Client) GetMonitor(ctx context.Context, id string) (*Monitor, error) {
	var out Monitor
	if err := c.do(ctx, http.MethodGet, "/api/v1/monitors/"+url.PathEscape(id), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMonitors lists monitors. An empty kind lists every variant.
func (c *Client) ListMonitors(ctx context.Context, kind monitor.Kind) (*MonitorList, error) {
	path := "/api/v1/monitors"
	if kind != "" {
		path += "?kind=" + url.QueryEscape(string(kind))
	}
	var out MonitorList
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StopMonitor stops and removes a monitor.
func (c *Client) StopMonitor(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/v1/monitors/"+url.PathEscape(id), nil, http.StatusNoContent, nil); err != nil {
		return err
	}
	c.logger.Debug("monitor stopped", "monitor_id", id)
	return nil
}

// RefreshBalance re-reads a balance monitor's account. When txHash is set the read
// waits up to maxWait for that transaction first; a zero maxWait takes the server default.
func (c *Client) RefreshBalance(ctx context.Context, id, txHash string, maxWait time.Duration) (*Refreshed, error) {
	body := map[string]string{}
	if txHash != "" {
		body["tx_hash"] = txHash
	}
	if maxWait > 0 {
		body["max_wait"] = maxWait.String()
	}

	var out Refreshed
	if err := c.do(ctx, http.MethodPost, "/api/v1/monitors/"+url.PathEscape(id)+"/refresh", body, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListNotifications returns the notification feed, newest first.
func (c *Client) ListNotifications(ctx context.Context) ([]notify.Notification, error) {
	var out struct {
		Notifications []notify.Notification `json:"notifications"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/notifications", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Notifications, nil
}

// DismissNotification removes one notification.
func (c *Client) DismissNotification(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/notifications/"+url.PathEscape(id), nil, http.StatusNoContent, nil)
}

// ClearNotifications empties the feed.
func (c *Client) ClearNotifications(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/notifications", nil, http.StatusNoContent, nil)
}

// ListChains returns the chains the server supports.
func (c *Client) ListChains(ctx context.Context) ([]chain.Chain, error) {
	var out struct {
		Chains []chain.Chain `json:"chains"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/chains", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Chains, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, http.StatusOK, nil)
}

// StreamNotifications calls fn with a snapshot of the feed on connect and after every
// change. It blocks until ctx is done, the server ends the stream, or fn returns an error.
// A stream ended by ctx returns nil.
func (c *Client) StreamNotifications(ctx context.Context, fn func([]notify.Notification) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/stream/notifications", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The configured client timeout would cut long-lived streams.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	c.logger.Debug("notification stream connected")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event == "notifications" {
				var notifications []notify.Notification
				if err := json.Unmarshal([]byte(data), &notifications); err != nil {
					return fmt.Errorf("failed to decode notifications event: %w", err)
				}
				if err := fn(notifications); err != nil {
					return err
				}
			}
			event, data = "", ""
		case strings.HasPrefix(line, ":"):
			// keepalive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("stream failed: %w", err)
	}

	c.logger.Debug("notification stream closed")
	return nil
}

// do sends a JSON request and decodes the JSON response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, in any, wantStatus int, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return c.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
}
