package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/audittrail/pkg/audit"
	"github.com/platinummonkey/audittrail/pkg/config"
	"github.com/platinummonkey/audittrail/pkg/observability"
)

func TestHeaderActor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Nil(t, headerActor(r))

	r.Header.Set(headerActorID, "abc")
	assert.Nil(t, headerActor(r))

	r.Header.Set(headerActorID, "7")
	r.Header.Set(headerActorName, "ana")
	r.Header.Set(headerActorRole, "Administrator")
	actor := headerActor(r)
	require.NotNil(t, actor)
	assert.Equal(t, int64(7), actor.ID)
	assert.Equal(t, "ana", actor.Name)
	assert.Equal(t, "Administrator", actor.Role)
}

func TestAPIServer_Notes(t *testing.T) {
	store := audit.NewMemoryStore()
	rec, err := audit.NewRecorder(store)
	require.NoError(t, err)

	reviewer := &audit.Actor{ID: 1, Name: "ana", Role: "Administrator"}
	require.True(t, rec.LogEvent(t.Context(), audit.ClassLogin, nil, audit.ByActor(reviewer)))
	stored, err := store.Search(t.Context(), audit.SearchFilter{})
	require.NoError(t, err)
	require.Len(t, stored, 1)

	cfg := &config.Config{Server: config.ServerConfig{Host: "127.0.0.1", Port: "0"}}
	srv := newAPIServer(cfg, store, rec, observability.NewUnregisteredMetrics(), observability.NewNopLogger())

	path := "/audit/events/" + strconv.FormatInt(stored[0].ID, 10) + "/note"
	req := httptest.NewRequest(http.MethodPut, path, strings.NewReader(`{"body":"checked with the author"}`))
	req.Header.Set(headerActorID, "1")
	req.Header.Set(headerActorName, "ana")
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var note audit.Note
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&note))
	assert.Equal(t, "checked with the author", note.Body)
	assert.Equal(t, "ana", note.AuthorName)
}

func TestHealthServer(t *testing.T) {
	registry := prometheus.NewRegistry()
	observability.NewMetrics(registry)
	cfg := &config.Config{Server: config.ServerConfig{Host: "127.0.0.1", HealthPort: "0"}}
	srv := newHealthServer(cfg, observability.NewHealthChecker(nil, nil), registry)

	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestNewConsumers(t *testing.T) {
	streams := func(cfg config.DeferredConfig) []string {
		var out []string
		for _, c := range newConsumers(cfg, nil, nil, nil, nil) {
			out = append(out, c.Stream())
		}
		return out
	}

	assert.Equal(t, []string{"audit:deferred"}, streams(config.DeferredConfig{Stream: "audit:deferred", Shards: 1}))
	assert.Equal(t, []string{"audit:deferred:0", "audit:deferred:1"}, streams(config.DeferredConfig{Stream: "audit:deferred", Shards: 2}))
	assert.Equal(t, []string{"audit:deferred:3"}, streams(config.DeferredConfig{Stream: "audit:deferred", Shards: 4, OwnedShards: []int{3}}))
}
