package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultRelayURL is the Expo push API root.
	DefaultRelayURL = "https://exp.host/--/api/v2"

	// sendChunkLimit is the relay-imposed maximum messages per send request.
	sendChunkLimit = 100
	// receiptChunkLimit is the relay-imposed maximum ids per receipt request.
	receiptChunkLimit = 300
)

// ErrEmptyTokenList indicates a send call with no destination tokens.
var ErrEmptyTokenList = errors.New("push: token list required")

// Notification is the message body delivered to devices.
type Notification struct {
	Title     string
	Body      string
	Data      map[string]interface{}
	Sound     string
	Badge     int
	ChannelID string
}

// Result folds receipt outcomes together with pre-filtered invalid tokens and
// transport-level submission failures.
type Result struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// RoomCounter reports how many realtime connections a room currently has.
type RoomCounter interface {
	RoomCount(room string) int
}

// IsExpoPushToken checks the relay's token format locally, without a network
// call.
func IsExpoPushToken(token string) bool {
	token = strings.TrimSpace(token)
	for _, prefix := range []string{"ExponentPushToken[", "ExpoPushToken["} {
		if strings.HasPrefix(token, prefix) && strings.HasSuffix(token, "]") && len(token) > len(prefix)+1 {
			return true
		}
	}
	return false
}

// ClientConfig describes how to reach the push relay.
type ClientConfig struct {
	RelayURL    string
	AccessToken string
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Client submits notifications to the Expo push relay in provider-size-limited
// batches and reconciles delivery receipts. Failed deliveries are reported,
// never retried.
type Client struct {
	relayURL    string
	accessToken string
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewClient constructs a relay client.
func NewClient(cfg ClientConfig) *Client {
	relayURL := strings.TrimRight(strings.TrimSpace(cfg.RelayURL), "/")
	if relayURL == "" {
		relayURL = DefaultRelayURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		relayURL:    relayURL,
		accessToken: cfg.AccessToken,
		httpClient:  httpClient,
		logger:      logger,
	}
}

// SendToMany partitions tokens into valid and invalid, submits the valid ones
// in relay-sized batches and reconciles receipts into a success/failure count.
// Invalid tokens count toward Failed with no network attempt. A transport
// failure marks only the affected batch as failed; other batches keep their
// own accounting.
func (c *Client) SendToMany(ctx context.Context, tokens []string, notification Notification) (Result, error) {
	if len(tokens) == 0 {
		return Result{}, ErrEmptyTokenList
	}

	valid := make([]string, 0, len(tokens))
	invalid := 0
	for _, token := range tokens {
		if IsExpoPushToken(token) {
			valid = append(valid, token)
		} else {
			invalid++
			c.logger.Warn("discarding invalid push token", zap.String("token", token))
		}
	}
	if len(valid) == 0 {
		return Result{Success: 0, Failed: len(tokens)}, nil
	}

	validFailed := 0
	receiptIDs := make([]string, 0, len(valid))
	for start := 0; start < len(valid); start += sendChunkLimit {
		end := start + sendChunkLimit
		if end > len(valid) {
			end = len(valid)
		}
		chunk := valid[start:end]

		tickets, err := c.submitChunk(ctx, chunk, notification)
		if err != nil {
			// coarse per-batch fallback: the whole chunk counts failed
			validFailed += len(chunk)
			c.logger.Error("push submission failed",
				zap.Int("batch_size", len(chunk)),
				zap.Error(err))
			continue
		}
		for _, ticket := range tickets {
			if ticket.Status == "ok" && ticket.ID != "" {
				receiptIDs = append(receiptIDs, ticket.ID)
				continue
			}
			validFailed++
			c.logger.Warn("push ticket rejected", zap.String("reason", ticket.Message))
		}
	}

	validFailed += c.reconcileReceipts(ctx, receiptIDs)

	return Result{
		Success: len(valid) - validFailed,
		Failed:  invalid + validFailed,
	}, nil
}

// SendToOne delivers a notification to a single device token.
func (c *Client) SendToOne(ctx context.Context, token string, notification Notification) (bool, error) {
	result, err := c.SendToMany(ctx, []string{token}, notification)
	if err != nil {
		return false, err
	}
	return result.Success == 1, nil
}

// SendToRoom is a degraded path: it counts currently-connected members of a
// realtime room and logs the intent, but resolves no device tokens and
// delivers nothing. Callers must treat it as informational only.
func (c *Client) SendToRoom(room string, counter RoomCounter, notification Notification) int {
	members := 0
	if counter != nil {
		members = counter.RoomCount(room)
	}
	c.logger.Info("push to room requested; no device tokens resolved",
		zap.String("room", room),
		zap.Int("connected_members", members),
		zap.String("body", notification.Body))
	return members
}

type pushMessage struct {
	To        string                 `json:"to"`
	Title     string                 `json:"title,omitempty"`
	Body      string                 `json:"body"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Sound     string                 `json:"sound,omitempty"`
	Badge     int                    `json:"badge,omitempty"`
	ChannelID string                 `json:"channelId,omitempty"`
}

// ticket is the relay's opaque handle for a submitted message, exchanged for
// a delivery receipt later.
type ticket struct {
	Status  string `json:"status"`
	ID      string `json:"id"`
	Message string `json:"message"`
}

type receipt struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (c *Client) submitChunk(ctx context.Context, tokens []string, notification Notification) ([]ticket, error) {
	messages := make([]pushMessage, 0, len(tokens))
	for _, token := range tokens {
		message := pushMessage{
			To:        token,
			Title:     notification.Title,
			Body:      notification.Body,
			Data:      notification.Data,
			Sound:     notification.Sound,
			Badge:     notification.Badge,
			ChannelID: notification.ChannelID,
		}
		if message.Sound == "" {
			message.Sound = "default"
		}
		messages = append(messages, message)
	}

	var response struct {
		Data []ticket `json:"data"`
	}
	if err := c.post(ctx, "/push/send", messages, &response); err != nil {
		return nil, err
	}
	if len(response.Data) != len(tokens) {
		return nil, fmt.Errorf("relay returned %d tickets for %d messages", len(response.Data), len(tokens))
	}
	return response.Data, nil
}

// reconcileReceipts polls the relay for delivery receipts and reports how many
// resolved to failure. Receipt ids absent from the response are still pending
// and are not counted as failures.
func (c *Client) reconcileReceipts(ctx context.Context, receiptIDs []string) int {
	failed := 0
	for start := 0; start < len(receiptIDs); start += receiptChunkLimit {
		end := start + receiptChunkLimit
		if end > len(receiptIDs) {
			end = len(receiptIDs)
		}
		chunk := receiptIDs[start:end]

		var response struct {
			Data map[string]receipt `json:"data"`
		}
		if err := c.post(ctx, "/push/getReceipts", map[string]interface{}{"ids": chunk}, &response); err != nil {
			failed += len(chunk)
			c.logger.Error("receipt fetch failed", zap.Int("batch_size", len(chunk)), zap.Error(err))
			continue
		}
		for id, entry := range response.Data {
			if entry.Status == "error" {
				failed++
				c.logger.Warn("push delivery failed",
					zap.String("receipt_id", id),
					zap.String("reason", entry.Message))
			}
		}
	}
	return failed
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.relayURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	response, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("relay request returned status %d", response.StatusCode)
	}
	return json.NewDecoder(response.Body).Decode(out)
}
