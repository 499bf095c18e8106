// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/manager"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"
)

func TestCreateInstance_HappyPath(t *testing.T) {
	h := newHarness(t, testConfig(t), happyOpts())

	rec := h.do(http.MethodPost, "/instances", testToken, map[string]any{
		"name":    "shop",
		"webhook": map[string]any{"url": "http://127.0.0.1:9/hook", "events": []string{"ready", "message"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var snap manager.Snapshot
	h.decode(rec, &snap)
	assert.Equal(t, "shop", snap.ID)
	assert.Equal(t, "shop", snap.Name)
	assert.Equal(t, model.StateReady, snap.State)
	assert.Equal(t, "http://127.0.0.1:9/hook", snap.Webhook.URL)
}

func TestCreateInstance_RequiresWebhookURL(t *testing.T) {
	h := newHarness(t, testConfig(t), happyOpts())

	rec := h.do(http.MethodPost, "/instances", testToken, map[string]any{"name": "shop"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	h.decode(rec, &resp)
	assert.Contains(t, resp.Error, "webhook.url")
}

func TestCreateInstance_RejectsUnknownFields(t *testing.T) {
	h := newHarness(t, testConfig(t), happyOpts())

	rec := h.do(http.MethodPost, "/instances", testToken, map[string]any{
		"name":    "shop",
		"webhook": map[string]any{"url": "http://127.0.0.1:9/hook"},
		"bogus":   true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateInstance_RejectsBadWebhookScheme(t *testing.T) {
	h := newHarness(t, testConfig(t), happyOpts())

	rec := h.do(http.MethodPost, "/instances", testToken, map[string]any{
		"name":    "shop",
		"webhook": map[string]any{"url": "ftp://host/path"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateInstance_DuplicateIDConflicts(t *testing.T) {
	h := newHarness(t, testConfig(t), happyOpts())
	h.createInstance("shop")

	rec := h.do(http.MethodPost, "/instances", testToken, map[string]any{
		"name":    "shop",
		"webhook": map[string]any{"url": "http://127.0.0.1:9/hook"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListInstances(t *testing.T) {
	h := newHarness(t, testConfig(t), happyOpts())

	rec := h.do(http.MethodGet, "/instances", testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var empty []instanceSummary
	h.decode(rec, &empty)
	assert.Empty(t, empty)

	h.createInstance("alpha")
	h.createInstance("beta")

	rec = h.do(http.MethodGet, "/instances", testToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []instanceSummary
	h.decode(rec, &rows)
	require.Len(t, rows, 2)
	ids := []string{rows[0].ID, rows[1].ID}
	assert.ElementsMatch(t, []string{"alpha", "beta"}, ids)
	assert.Equal(t, string(model.StateReady), rows[0].Status)
}

func TestUpdateInstance_PartialPatch(t *testing.T) {
	h := newHarness(t, testConfig(t), happyOpts())
	h.createInstance("shop")

	rec := h.do(http.MethodPut, "/instances/shop", testToken, map[string]any{
		"name": "Shop Prod",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var snap manager.Snapshot
	h.decode(rec, &snap)
	assert.Equal(t, "Shop Prod", snap.Name)
	// Untouched fields survive the patch.
	assert.Equal(t, "http://127.0.0.1:9/hook", snap.Webhook.URL)

	rec = h.do(http.MethodPut, "/instances/shop", testToken, map[string]any{
		"webhook": map[string]any{"url": "http://127.0.0.1:10/hook2"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	h.decode(rec, &snap)
	assert.Equal(t, "http://127.0.0.1:10/hook2", snap.Webhook.URL)
	assert.Equal(t, "Shop Prod", snap.Name)
}

func TestUpdateInstance_UnknownID(t *testing.T) {
	h := newHarness(t, testConfig(t), happyOpts())

	rec := h.do(http.MethodPut, "/instances/ghost", testToken, map[string]any{"name": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteInstance(t *testing.T) {
	h := newHarness(t, testConfig(t), happyOpts())
	h.createInstance("shop")

	rec := h.do(http.MethodDelete, "/instances/shop", testToken, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(http.MethodGet, "/instances/shop/client/status", testToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodDelete, "/instances/shop", testToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
