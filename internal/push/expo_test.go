package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestIsExpoPushTokenFormat(t *testing.T) {
	valid := []string{
		"ExponentPushToken[xxxxxxxxxxxxxxxxxxxxxx]",
		"ExpoPushToken[yyyy]",
		"  ExponentPushToken[abc]  ",
	}
	for _, token := range valid {
		if !IsExpoPushToken(token) {
			t.Fatalf("expected %q to validate", token)
		}
	}

	invalid := []string{
		"",
		"not-a-token",
		"ExponentPushToken[]",
		"ExponentPushToken[abc",
		"abcExponentPushToken[abc]extra",
	}
	for _, token := range invalid {
		if IsExpoPushToken(token) {
			t.Fatalf("expected %q to be rejected", token)
		}
	}
}

// fakeRelay mimics the Expo push API: /push/send returns a ticket per
// message, /push/getReceipts returns a receipt per id.
type fakeRelay struct {
	mu            sync.Mutex
	sentTokens    []string
	sendRequests  int
	failSend      bool
	errorTickets  map[string]string // token -> ticket error message
	errorReceipts map[string]string // receipt id -> failure reason
}

func (f *fakeRelay) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/push/send", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.sendRequests++
		if f.failSend {
			http.Error(w, "relay unavailable", http.StatusBadGateway)
			return
		}
		var messages []struct {
			To string `json:"to"`
		}
		if err := json.NewDecoder(r.Body).Decode(&messages); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		tickets := make([]map[string]string, 0, len(messages))
		for i, message := range messages {
			f.sentTokens = append(f.sentTokens, message.To)
			if reason, ok := f.errorTickets[message.To]; ok {
				tickets = append(tickets, map[string]string{"status": "error", "message": reason})
				continue
			}
			tickets = append(tickets, map[string]string{
				"status": "ok",
				"id":     fmt.Sprintf("ticket-%s-%d", message.To, i),
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": tickets})
	})
	mux.HandleFunc("/push/getReceipts", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var request struct {
			IDs []string `json:"ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		receipts := make(map[string]map[string]string, len(request.IDs))
		for _, id := range request.IDs {
			if reason, ok := f.errorReceipts[id]; ok {
				receipts[id] = map[string]string{"status": "error", "message": reason}
				continue
			}
			receipts[id] = map[string]string{"status": "ok"}
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": receipts})
	})
	return mux
}

func (f *fakeRelay) tokensSent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sentTokens...)
}

func newTestClient(t *testing.T, relay *fakeRelay) *Client {
	t.Helper()
	server := httptest.NewServer(relay.handler())
	t.Cleanup(server.Close)
	return NewClient(ClientConfig{RelayURL: server.URL, HTTPClient: server.Client()})
}

func TestSendToManyFiltersInvalidTokensLocally(t *testing.T) {
	relay := &fakeRelay{}
	client := newTestClient(t, relay)

	tokens := []string{
		"ExponentPushToken[a]",
		"not-a-token",
		"ExponentPushToken[b]",
		"ExponentPushToken[c]",
	}
	result, err := client.SendToMany(context.Background(), tokens, Notification{Body: "hello"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if result.Success != 3 || result.Failed != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	for _, sent := range relay.tokensSent() {
		if sent == "not-a-token" {
			t.Fatalf("invalid token must never reach the relay")
		}
	}
}

func TestSendToManyAllInvalidSkipsNetwork(t *testing.T) {
	relay := &fakeRelay{}
	client := newTestClient(t, relay)

	result, err := client.SendToMany(context.Background(), []string{"bad-one", "bad-two"}, Notification{Body: "x"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if result.Success != 0 || result.Failed != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	if relay.sendRequests != 0 {
		t.Fatalf("expected no relay requests, got %d", relay.sendRequests)
	}
}

func TestSendToManyRequiresTokens(t *testing.T) {
	relay := &fakeRelay{}
	client := newTestClient(t, relay)
	if _, err := client.SendToMany(context.Background(), nil, Notification{Body: "x"}); err != ErrEmptyTokenList {
		t.Fatalf("expected ErrEmptyTokenList, got %v", err)
	}
}

func TestSendToManyCountsTicketAndReceiptFailures(t *testing.T) {
	relay := &fakeRelay{
		errorTickets:  map[string]string{"ExponentPushToken[bad-device]": "DeviceNotRegistered"},
		errorReceipts: map[string]string{"ticket-ExponentPushToken[flaky]-2": "MessageRateExceeded"},
	}
	client := newTestClient(t, relay)

	tokens := []string{
		"ExponentPushToken[ok]",
		"ExponentPushToken[bad-device]",
		"ExponentPushToken[flaky]",
	}
	result, err := client.SendToMany(context.Background(), tokens, Notification{Body: "hello"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if result.Success != 1 || result.Failed != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestSendToManyTransportFailureMarksBatchFailed(t *testing.T) {
	relay := &fakeRelay{failSend: true}
	client := newTestClient(t, relay)

	tokens := []string{"ExponentPushToken[a]", "ExponentPushToken[b]", "invalid"}
	result, err := client.SendToMany(context.Background(), tokens, Notification{Body: "hello"})
	if err != nil {
		t.Fatalf("transport failure is folded into counts, not returned: %v", err)
	}
	if result.Success != 0 || result.Failed != 3 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestSendToManyChunksLargeTokenLists(t *testing.T) {
	relay := &fakeRelay{}
	client := newTestClient(t, relay)

	tokens := make([]string, 0, 150)
	for i := 0; i < 150; i++ {
		tokens = append(tokens, fmt.Sprintf("ExponentPushToken[device-%d]", i))
	}
	result, err := client.SendToMany(context.Background(), tokens, Notification{Body: "bulk"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if result.Success != 150 || result.Failed != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if relay.sendRequests != 2 {
		t.Fatalf("expected 2 relay-sized batches, got %d", relay.sendRequests)
	}
}

type staticRoomCounter map[string]int

func (s staticRoomCounter) RoomCount(room string) int { return s[room] }

func TestSendToRoomResolvesNoTokens(t *testing.T) {
	relay := &fakeRelay{}
	client := newTestClient(t, relay)

	members := client.SendToRoom("user:alice", staticRoomCounter{"user:alice": 2}, Notification{Body: "ping"})
	if members != 2 {
		t.Fatalf("expected 2 connected members, got %d", members)
	}
	if relay.sendRequests != 0 {
		t.Fatalf("degraded room path must not touch the relay")
	}
}
