package realtime

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/peermint/settlement/internal/orders"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := NewHub(testLogger())
	r := gin.New()
	r.GET("/ws/orders", hub.HandleWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/orders"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// subscribe sends a subscribe message and waits for the ack.
func subscribe(t *testing.T, conn *websocket.Conn, actorType, actorID string) {
	t.Helper()
	msg := map[string]string{"type": "subscribe", "actorType": actorType, "actorId": actorID}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	ack := readMessage(t, conn, 2*time.Second)
	if ack["type"] != "subscribed" || ack["actorId"] != actorID {
		t.Fatalf("ack = %v, want subscribed as %s", ack, actorID)
	}
}

// readMessage reads one JSON frame within the deadline.
func readMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read message: %v", err)
	}
	return msg
}

// expectSilence asserts no frame arrives within the window, ignoring pings.
func expectSilence(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(window))
	var msg map[string]any
	for {
		if err := conn.ReadJSON(&msg); err != nil {
			return // deadline hit, nothing delivered
		}
		if msg["type"] == "ping" {
			continue
		}
		t.Fatalf("unexpected message: %v", msg)
	}
}

func TestHub_SubscribeAck(t *testing.T) {
	hub, srv := newTestServer(t)
	conn := dial(t, srv)
	subscribe(t, conn, "user", "usr_1")
	if n := hub.SubscriberCount("user", "usr_1"); n != 1 {
		t.Fatalf("subscriber count = %d, want 1", n)
	}
}

func TestHub_PublishReachesParties(t *testing.T) {
	hub, srv := newTestServer(t)

	userConn := dial(t, srv)
	subscribe(t, userConn, "user", "usr_1")
	merchantConn := dial(t, srv)
	subscribe(t, merchantConn, "merchant", "mch_1")
	bystanderConn := dial(t, srv)
	subscribe(t, bystanderConn, "merchant", "mch_other")

	// escrow events are party-scoped, not market-wide
	hub.PublishOrderEvent(orders.PublishedEvent{
		EventType:    orders.EventOrderEscrowed,
		OrderID:      "ord_1",
		Status:       orders.StatusEscrowed,
		OrderVersion: 2,
		UserID:       "usr_1",
		MerchantID:   "mch_1",
	})

	for _, conn := range []*websocket.Conn{userConn, merchantConn} {
		msg := readMessage(t, conn, 2*time.Second)
		if msg["type"] != "order_event" || msg["order_id"] != "ord_1" || msg["event_type"] != orders.EventOrderEscrowed {
			t.Fatalf("event = %v", msg)
		}
	}
	expectSilence(t, bystanderConn, 150*time.Millisecond)
}

func TestHub_MarketEventsBroadcastToMerchants(t *testing.T) {
	hub, srv := newTestServer(t)

	bystanderMerchant := dial(t, srv)
	subscribe(t, bystanderMerchant, "merchant", "mch_watcher")
	bystanderUser := dial(t, srv)
	subscribe(t, bystanderUser, "user", "usr_watcher")

	hub.PublishOrderEvent(orders.PublishedEvent{
		EventType:  orders.EventOrderCreated,
		OrderID:    "ord_2",
		Status:     orders.StatusPending,
		UserID:     "usr_1",
		MerchantID: "mch_1",
	})

	msg := readMessage(t, bystanderMerchant, 2*time.Second)
	if msg["event_type"] != orders.EventOrderCreated {
		t.Fatalf("merchant broadcast = %v", msg)
	}
	expectSilence(t, bystanderUser, 150*time.Millisecond)
}

func TestHub_ExactlyOneCopy(t *testing.T) {
	hub, srv := newTestServer(t)

	// mch_1 is the order's merchant, its buyer merchant, and a market
	// subscriber all at once; it still gets a single frame.
	conn := dial(t, srv)
	subscribe(t, conn, "merchant", "mch_1")

	hub.PublishOrderEvent(orders.PublishedEvent{
		EventType:       orders.EventOrderCancelled,
		OrderID:         "ord_3",
		Status:          orders.StatusCancelled,
		MerchantID:      "mch_1",
		BuyerMerchantID: "mch_1",
	})

	msg := readMessage(t, conn, 2*time.Second)
	if msg["order_id"] != "ord_3" {
		t.Fatalf("event = %v", msg)
	}
	expectSilence(t, conn, 150*time.Millisecond)
}

func TestHub_ResubscribeMovesKey(t *testing.T) {
	hub, srv := newTestServer(t)
	conn := dial(t, srv)
	subscribe(t, conn, "user", "usr_1")
	subscribe(t, conn, "merchant", "mch_1")

	if n := hub.SubscriberCount("user", "usr_1"); n != 0 {
		t.Fatalf("stale user subscription count = %d, want 0", n)
	}
	if n := hub.SubscriberCount("merchant", "mch_1"); n != 1 {
		t.Fatalf("merchant subscription count = %d, want 1", n)
	}
}

func TestHub_Stats(t *testing.T) {
	hub, srv := newTestServer(t)

	first := dial(t, srv)
	subscribe(t, first, "user", "usr_1")
	second := dial(t, srv)
	subscribe(t, second, "merchant", "mch_1")
	third := dial(t, srv)
	subscribe(t, third, "merchant", "mch_1")

	stats := hub.Stats()
	if stats.Clients != 3 {
		t.Fatalf("clients = %d, want 3", stats.Clients)
	}
	if stats.Subscriptions["user:usr_1"] != 1 || stats.Subscriptions["merchant:mch_1"] != 2 {
		t.Fatalf("subscriptions = %v", stats.Subscriptions)
	}
}

func TestHub_UnackedClientTerminated(t *testing.T) {
	hub, srv := newTestServer(t)
	hub.WithPingInterval(40 * time.Millisecond)

	conn := dial(t, srv)
	subscribe(t, conn, "user", "usr_1")

	// never answer pings; the second tick should kill the connection
	deadline := time.Now().Add(2 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for {
		var msg json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break // server closed us
		}
		if time.Now().After(deadline) {
			t.Fatal("connection survived without ponging")
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		return hub.SubscriberCount("user", "usr_1") == 0
	})
}

func TestHub_PongKeepsClientAlive(t *testing.T) {
	hub, srv := newTestServer(t)
	hub.WithPingInterval(40 * time.Millisecond)

	conn := dial(t, srv)
	subscribe(t, conn, "user", "usr_1")

	// answer every ping for several heartbeat cycles
	end := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(end) {
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("connection dropped despite pongs: %v", err)
		}
		if msg["type"] == "ping" {
			if err := conn.WriteJSON(map[string]string{"type": "pong"}); err != nil {
				t.Fatalf("write pong: %v", err)
			}
		}
	}
	if n := hub.SubscriberCount("user", "usr_1"); n != 1 {
		t.Fatalf("subscriber count = %d, want 1", n)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
