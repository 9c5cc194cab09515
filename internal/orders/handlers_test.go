package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/peermint/settlement/internal/ledger"
)

func newTestRouter(t *testing.T) (*gin.Engine, *Service, *MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc, store, _ := newTestService(t)
	r := gin.New()
	NewHandler(svc).RegisterRoutes(r.Group("/v1"))
	return r, svc, store
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any, actor *Actor) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set("x-actor-type", actor.Type)
		req.Header.Set("x-actor-id", actor.ID)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v body=%s", err, rec.Body.String())
	}
	return rec, env
}

func TestHandler_CreateOrder(t *testing.T) {
	r, _, store := newTestRouter(t)
	seedOffer(store, "off_1", "mch_1", "1000")

	rec, env := doJSON(t, r, http.MethodPost, "/v1/orders", gin.H{
		"userId":       "usr_1",
		"merchantId":   "mch_1",
		"offerId":      "off_1",
		"direction":    "buy",
		"cryptoAmount": "100",
		"fiatAmount":   "36700",
		"rate":         "3.67",
	}, &Actor{Type: ActorUser, ID: "usr_1"})

	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	if !env.Success {
		t.Fatal("expected success envelope")
	}
	var got orderResponse
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if got.Status != StatusPending || got.MinimalStatus != "pending" {
		t.Errorf("status %s/%s", got.Status, got.MinimalStatus)
	}
}

func TestHandler_CreateOrder_MissingActor(t *testing.T) {
	r, _, store := newTestRouter(t)
	seedOffer(store, "off_1", "mch_1", "1000")

	rec, env := doJSON(t, r, http.MethodPost, "/v1/orders", gin.H{
		"merchantId":   "mch_1",
		"offerId":      "off_1",
		"direction":    "buy",
		"cryptoAmount": "100",
		"fiatAmount":   "36700",
		"rate":         "3.67",
	}, nil)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
	if env.Success || env.Error == nil || env.Error.Code != "MISSING_ACTOR" {
		t.Errorf("envelope %+v", env)
	}
}

func TestHandler_CreateOrder_InsufficientLiquidity(t *testing.T) {
	r, _, store := newTestRouter(t)
	seedOffer(store, "off_1", "mch_1", "10")

	rec, env := doJSON(t, r, http.MethodPost, "/v1/orders", gin.H{
		"userId":       "usr_1",
		"merchantId":   "mch_1",
		"offerId":      "off_1",
		"direction":    "buy",
		"cryptoAmount": "100",
		"fiatAmount":   "36700",
		"rate":         "3.67",
	}, &Actor{Type: ActorUser, ID: "usr_1"})

	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d", rec.Code)
	}
	if env.Error == nil || env.Error.Code != "INSUFFICIENT_LIQUIDITY" {
		t.Errorf("envelope %+v", env)
	}
}

func TestHandler_MerchantOrderRequiresMerchantActor(t *testing.T) {
	r, _, store := newTestRouter(t)
	seedOffer(store, "off_1", "mch_1", "1000")

	rec, env := doJSON(t, r, http.MethodPost, "/v1/merchant/orders", gin.H{
		"merchantId":   "mch_1",
		"offerId":      "off_1",
		"direction":    "buy",
		"cryptoAmount": "100",
		"fiatAmount":   "36700",
		"rate":         "3.67",
	}, &Actor{Type: ActorUser, ID: "usr_1"})

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d", rec.Code)
	}
	if env.Error == nil || env.Error.Code != "UNAUTHORIZED" {
		t.Errorf("envelope %+v", env)
	}
}

func TestHandler_TransitionAndGet(t *testing.T) {
	r, svc, store := newTestRouter(t)
	seedOffer(store, "off_1", "mch_1", "1000")
	order := createTestOrder(t, svc)

	rec, env := doJSON(t, r, http.MethodPatch, "/v1/orders/"+order.ID, gin.H{
		"status": "accepted",
	}, &Actor{Type: ActorUser, ID: "usr_1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	var got orderResponse
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != StatusAccepted || got.MinimalStatus != "active" {
		t.Errorf("status %s/%s", got.Status, got.MinimalStatus)
	}

	rec, env = doJSON(t, r, http.MethodGet, "/v1/orders/"+order.ID, nil, nil)
	if rec.Code != http.StatusOK || !env.Success {
		t.Fatalf("get status %d", rec.Code)
	}
}

func TestHandler_TransientStatusRejected(t *testing.T) {
	r, svc, store := newTestRouter(t)
	seedOffer(store, "off_1", "mch_1", "1000")
	order := createTestOrder(t, svc)

	rec, env := doJSON(t, r, http.MethodPatch, "/v1/orders/"+order.ID, gin.H{
		"status": "escrow_pending",
	}, &Actor{Type: ActorMerchant, ID: "mch_1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
	if env.Error == nil || env.Error.Code != "TRANSIENT_STATUS" {
		t.Errorf("envelope %+v", env)
	}
}

func TestHandler_GetUnknownOrder(t *testing.T) {
	r, _, _ := newTestRouter(t)

	rec, env := doJSON(t, r, http.MethodGet, "/v1/orders/ord_missing", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
	if env.Error == nil || env.Error.Code != "ORDER_NOT_FOUND" {
		t.Errorf("envelope %+v", env)
	}
}

func TestHandler_EscrowLockAndSecondLockConflict(t *testing.T) {
	r, svc, store := newTestRouter(t)
	seedOffer(store, "off_1", "mch_1", "1000")
	seedBalance(store, ActorMerchant, "mch_1", "500")
	order := createTestOrder(t, svc)

	rec, _ := doJSON(t, r, http.MethodPost, "/v1/orders/"+order.ID+"/escrow", gin.H{
		"txHash": testTxHash,
	}, &Actor{Type: ActorMerchant, ID: "mch_1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("lock status %d body=%s", rec.Code, rec.Body.String())
	}

	rec, env := doJSON(t, r, http.MethodPost, "/v1/orders/"+order.ID+"/escrow", gin.H{
		"txHash": testTxHash2,
	}, &Actor{Type: ActorMerchant, ID: "mch_1"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second lock status %d", rec.Code)
	}
	if env.Error == nil || env.Error.Code != "ALREADY_ESCROWED" {
		t.Errorf("envelope %+v", env)
	}
}

func TestHandler_ReleaseViaEvents(t *testing.T) {
	r, svc, store := newTestRouter(t)
	seedOffer(store, "off_1", "mch_1", "1000")
	seedBalance(store, ActorMerchant, "mch_1", "500")
	seedBalance(store, ActorUser, "usr_1", "0")
	order := createTestOrder(t, svc)
	lockTestEscrow(t, svc, order.ID, Actor{Type: ActorMerchant, ID: "mch_1"})

	rec, env := doJSON(t, r, http.MethodPost, "/v1/orders/"+order.ID+"/events", gin.H{
		"event_type": "release",
		"tx_hash":    testTxHash2,
	}, &Actor{Type: ActorMerchant, ID: "mch_1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	var got orderResponse
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status %s", got.Status)
	}
	bal, _ := store.Book().Get(ActorUser, "usr_1")
	if bal.USDTBalance != "100" {
		t.Errorf("buyer balance %s", bal.USDTBalance)
	}
}

func TestHandler_RefundViaEvents_NoDebitRecord(t *testing.T) {
	r, svc, store := newTestRouter(t)
	seedOffer(store, "off_1", "mch_1", "1000")
	order := createTestOrder(t, svc)

	rec, env := doJSON(t, r, http.MethodPost, "/v1/orders/"+order.ID+"/events", gin.H{
		"event_type": "refund",
	}, &Actor{Type: ActorUser, ID: "usr_1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
	if env.Error == nil || env.Error.Code != "NO_DEBIT_RECORD" {
		t.Errorf("envelope %+v", env)
	}
}

func TestHandler_DeleteCancelsWithRefund(t *testing.T) {
	r, svc, store := newTestRouter(t)
	seedOffer(store, "off_1", "mch_1", "1000")
	seedBalance(store, ActorMerchant, "mch_1", "500")
	order := createTestOrder(t, svc)
	lockTestEscrow(t, svc, order.ID, Actor{Type: ActorMerchant, ID: "mch_1"})

	path := fmt.Sprintf("/v1/orders/%s?actor_type=merchant&actor_id=mch_1&reason=timeout", order.ID)
	rec, env := doJSON(t, r, http.MethodDelete, path, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	var got orderResponse
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("status %s", got.Status)
	}
	bal, _ := store.Book().Get(ActorMerchant, "mch_1")
	if bal.USDTBalance != "500" {
		t.Errorf("payer not refunded: %s", bal.USDTBalance)
	}
}

func TestHandler_DisputeFlow(t *testing.T) {
	r, svc, store := newTestRouter(t)
	seedOffer(store, "off_1", "mch_1", "1000")
	seedBalance(store, ActorMerchant, "mch_1", "500")
	seedBalance(store, ActorUser, "usr_1", "0")
	order := createTestOrder(t, svc)
	lockTestEscrow(t, svc, order.ID, Actor{Type: ActorMerchant, ID: "mch_1"})

	rec, _ := doJSON(t, r, http.MethodPost, "/v1/orders/"+order.ID+"/dispute", gin.H{
		"reason": "payment mismatch",
	}, &Actor{Type: ActorUser, ID: "usr_1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open status %d body=%s", rec.Code, rec.Body.String())
	}

	rec, _ = doJSON(t, r, http.MethodPost, "/v1/orders/"+order.ID+"/dispute/confirm", gin.H{
		"resolution": "merchant",
	}, &Actor{Type: ActorUser, ID: "usr_1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("propose status %d body=%s", rec.Code, rec.Body.String())
	}

	rec, env := doJSON(t, r, http.MethodPost, "/v1/orders/"+order.ID+"/dispute/confirm", gin.H{
		"accept": true,
	}, &Actor{Type: ActorMerchant, ID: "mch_1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("accept status %d body=%s", rec.Code, rec.Body.String())
	}
	var d Dispute
	if err := json.Unmarshal(env.Data, &d); err != nil {
		t.Fatalf("decode dispute: %v", err)
	}
	if d.Status != DisputeStatusResolved {
		t.Errorf("dispute status %s", d.Status)
	}

	got, _ := store.GetOrder(context.Background(), order.ID)
	if got.Status != StatusCompleted {
		t.Errorf("order status %s", got.Status)
	}
}

func TestHandler_GetOffer(t *testing.T) {
	r, _, store := newTestRouter(t)
	seedOffer(store, "off_1", "mch_1", "1000")

	rec, env := doJSON(t, r, http.MethodGet, "/v1/offers/off_1", nil, nil)
	if rec.Code != http.StatusOK || !env.Success {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	var got Offer
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("decode offer: %v", err)
	}
	if got.ID != "off_1" || got.AvailableAmount != "1000" {
		t.Errorf("offer %+v", got)
	}

	rec, env = doJSON(t, r, http.MethodGet, "/v1/offers/off_missing", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
	if env.Error == nil || env.Error.Code != "OFFER_NOT_FOUND" {
		t.Errorf("envelope %+v", env)
	}
}

func TestHandler_MerchantTransactions(t *testing.T) {
	r, svc, store := newTestRouter(t)
	seedOffer(store, "off_1", "mch_1", "1000")
	seedBalance(store, ActorMerchant, "mch_1", "500")
	order := createTestOrder(t, svc)
	lockTestEscrow(t, svc, order.ID, Actor{Type: ActorMerchant, ID: "mch_1"})

	rec, env := doJSON(t, r, http.MethodGet, "/v1/merchants/mch_1/transactions", nil, nil)
	if rec.Code != http.StatusOK || !env.Success {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	var feed []*ledger.MerchantTransaction
	if err := json.Unmarshal(env.Data, &feed); err != nil {
		t.Fatalf("decode feed: %v", err)
	}
	if len(feed) == 0 {
		t.Fatal("expected escrow lock in merchant feed")
	}
	if feed[0].MerchantID != "mch_1" || feed[0].OrderID != order.ID {
		t.Errorf("feed head %+v", feed[0])
	}
}

func TestHandler_ExpireBatch(t *testing.T) {
	r, svc, store := newTestRouter(t)
	seedOffer(store, "off_1", "mch_1", "1000")
	createTestOrder(t, svc)
	advanceClock(svc, PendingWindow+time.Minute)

	rec, env := doJSON(t, r, http.MethodPost, "/v1/orders/expire", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	var out struct {
		Expired int `json:"expired"`
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Expired != 1 {
		t.Errorf("expected 1 expired, got %d", out.Expired)
	}
}
