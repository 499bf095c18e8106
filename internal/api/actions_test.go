// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"encoding/base64"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/manager"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"
)

func TestQR_OnlyOnQRScreen(t *testing.T) {
	h := newHarness(t, testConfig(t), qrOnlyOpts())

	rec := h.do(http.MethodPost, "/instances", testToken, map[string]any{
		"name":    "shop",
		"webhook": map[string]any{"url": "http://127.0.0.1:9/hook"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	h.waitState("shop", model.StateNeedsQR)

	rec = h.do(http.MethodGet, "/instances/shop/client/qr", testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp qrResponse
	h.decode(rec, &resp)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("qr-plain")), resp.QR)
	assert.Equal(t, string(model.StateNeedsQR), resp.State)
	assert.False(t, resp.LastQRAt.IsZero())
}

func TestQR_404WhenReady(t *testing.T) {
	h := newHarness(t, testConfig(t), happyOpts())
	h.createInstance("shop")

	rec := h.do(http.MethodGet, "/instances/shop/client/qr", testToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClientStatus_Shape(t *testing.T) {
	h := newHarness(t, testConfig(t), happyOpts())
	h.createInstance("shop")

	rec := h.do(http.MethodGet, "/instances/shop/client/status", testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	h.decode(rec, &resp)
	assert.Equal(t, "connected", resp["instanceStatus"])
	assert.Equal(t, string(model.StateReady), resp["state"])
	assert.EqualValues(t, 0, resp["queueDepth"])
	assert.Contains(t, resp, "readyAt")
}

func TestSendMessage_QueuedThenDelivered(t *testing.T) {
	h := newHarness(t, testConfig(t), happyOpts())
	h.createInstance("shop")

	rec := h.do(http.MethodPost, "/instances/shop/client/action/send-message", testToken, map[string]any{
		"chatId":  "20100000000",
		"message": "hello",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var res manager.EnqueueResult
	h.decode(rec, &res)
	assert.Equal(t, "queued", res.Status)
	assert.NotEmpty(t, res.ItemID)
	assert.NotEmpty(t, res.Key)
	assert.Equal(t, 1, res.QueueDepth)
	assert.Equal(t, model.StateReady, res.State)

	require.Eventually(t, func() bool {
		return len(h.factory.Last("shop").SentMessages()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	sent := h.factory.Last("shop").SentMessages()[0]
	assert.Equal(t, "20100000000@c.us", sent.ChatID)
	assert.Equal(t, "hello", sent.Body)
}

func TestSendMessage_SentReplayReturns200(t *testing.T) {
	h := newHarness(t, testConfig(t), happyOpts())
	h.createInstance("shop")

	body := map[string]any{
		"chatId":         "20100000000",
		"message":        "hello",
		"idempotencyKey": "order-1:confirm",
	}
	rec := h.do(http.MethodPost, "/instances/shop/client/action/send-message", testToken, body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		return len(h.factory.Last("shop").SentMessages()) == 1
	}, 5*time.Second, 5*time.Millisecond)

	rec = h.do(http.MethodPost, "/instances/shop/client/action/send-message", testToken, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res manager.EnqueueResult
	h.decode(rec, &res)
	assert.Equal(t, "sent", res.Status)
	assert.True(t, res.Duplicate)
	assert.NotEmpty(t, res.ProviderMessageID)

	// Exactly one driver send despite two successful API calls.
	assert.Len(t, h.factory.Last("shop").SentMessages(), 1)
}

func TestSendMessage_QueuedDuplicateConflicts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Lifecycle.AutoReconnect = false
	h := newHarness(t, cfg, happyOpts())
	h.createInstance("shop")

	// Park the session away from READY so the queue holds the item.
	h.factory.Last("shop").Emit(model.DriverEvent{Type: model.EventDisconnected, Text: "Connection lost"})
	h.waitState("shop", model.StateDisconnected)

	body := map[string]any{
		"chatId":         "20100000000",
		"message":        "hello",
		"idempotencyKey": "order-2:confirm",
	}
	rec := h.do(http.MethodPost, "/instances/shop/client/action/send-message", testToken, body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, "/instances/shop/client/action/send-message", testToken, body)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	var resp errorResponse
	h.decode(rec, &resp)
	assert.Equal(t, string(model.StateDisconnected), resp.State)
	require.NotNil(t, resp.QueueDepth)
	assert.Equal(t, 1, *resp.QueueDepth)
}

func TestSendMessage_QueueFull(t *testing.T) {
	cfg := testConfig(t)
	cfg.Lifecycle.AutoReconnect = false
	cfg.Queue.MaxSize = 1
	h := newHarness(t, cfg, happyOpts())
	h.createInstance("shop")

	h.factory.Last("shop").Emit(model.DriverEvent{Type: model.EventDisconnected, Text: "Connection lost"})
	h.waitState("shop", model.StateDisconnected)

	rec := h.do(http.MethodPost, "/instances/shop/client/action/send-message", testToken, map[string]any{
		"chatId": "20100000000", "message": "first",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = h.do(http.MethodPost, "/instances/shop/client/action/send-message", testToken, map[string]any{
		"chatId": "20100000000", "message": "second",
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code, rec.Body.String())

	var resp errorResponse
	h.decode(rec, &resp)
	assert.Equal(t, string(model.DQueueCapacity), resp.DetailCode)
}

func TestSendMessage_TerminalStateRejected(t *testing.T) {
	h := newHarness(t, testConfig(t), qrOnlyOpts())

	rec := h.do(http.MethodPost, "/instances", testToken, map[string]any{
		"name":    "shop",
		"webhook": map[string]any{"url": "http://127.0.0.1:9/hook"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	h.waitState("shop", model.StateNeedsQR)

	rec = h.do(http.MethodPost, "/instances/shop/client/action/send-message", testToken, map[string]any{
		"chatId": "20100000000", "message": "hello",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	var resp errorResponse
	h.decode(rec, &resp)
	assert.Equal(t, string(model.StateNeedsQR), resp.State)
}

func TestSendMessage_UnknownInstance(t *testing.T) {
	h := newHarness(t, testConfig(t), happyOpts())

	rec := h.do(http.MethodPost, "/instances/ghost/client/action/send-message", testToken, map[string]any{
		"chatId": "20100000000", "message": "hello",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendMessage_InvalidBody(t *testing.T) {
	h := newHarness(t, testConfig(t), happyOpts())
	h.createInstance("shop")

	rec := h.do(http.MethodPost, "/instances/shop/client/action/send-message", testToken, map[string]any{
		"chatId": "20100000000", "message": "",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreatePoll_Queued(t *testing.T) {
	h := newHarness(t, testConfig(t), happyOpts())
	h.createInstance("shop")

	rec := h.do(http.MethodPost, "/instances/shop/client/action/create-poll", testToken, map[string]any{
		"chatId":          "20100000000",
		"caption":         "Confirm order?",
		"options":         []string{"yes", "no"},
		"multipleAnswers": false,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		return len(h.factory.Last("shop").SentPolls()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	poll := h.factory.Last("shop").SentPolls()[0]
	assert.Equal(t, "Confirm order?", poll.Caption)
	assert.Equal(t, []string{"yes", "no"}, poll.Options)
}

func TestCreatePoll_TooFewOptions(t *testing.T) {
	h := newHarness(t, testConfig(t), happyOpts())
	h.createInstance("shop")

	rec := h.do(http.MethodPost, "/instances/shop/client/action/create-poll", testToken, map[string]any{
		"chatId":  "20100000000",
		"caption": "Confirm order?",
		"options": []string{"yes"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogout_DeletesInstance(t *testing.T) {
	h := newHarness(t, testConfig(t), happyOpts())
	h.createInstance("shop")

	rec := h.do(http.MethodPost, "/instances/shop/client/action/logout", testToken, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(http.MethodGet, "/instances/shop/client/status", testToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDiagnostics(t *testing.T) {
	h := newHarness(t, testConfig(t), happyOpts())
	h.createInstance("shop")

	rec := h.do(http.MethodGet, "/instances/shop/diagnostics", testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var diag manager.Diagnostics
	h.decode(rec, &diag)
	assert.Equal(t, "shop", diag.Snapshot.ID)
	assert.NotEmpty(t, diag.Events)
	assert.Equal(t, "NORMAL", diag.SystemMode)
	assert.Empty(t, diag.Queue)
}
