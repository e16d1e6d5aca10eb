package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankader/backoffice/internal/identity"
	"github.com/ankader/backoffice/internal/pipeline"
	"github.com/ankader/backoffice/internal/rbac"
	"github.com/ankader/backoffice/internal/shared"
	"github.com/ankader/backoffice/internal/token"
	"github.com/ankader/backoffice/internal/users"
)

type stubStats struct {
	stats users.Stats
	err   error
}

func (s stubStats) Stats(context.Context) (users.Stats, error) { return s.stats, s.err }

type stubCounter int64

func (c stubCounter) Count(context.Context) (int64, error) { return int64(c), nil }

type directory map[int64]*rbac.Principal

func (d directory) FindByID(_ context.Context, id int64) (*rbac.Principal, error) {
	if p, ok := d[id]; ok {
		return p, nil
	}
	return nil, shared.ErrNotFound
}

const apiKey = "ops-key-1"

func newServer(t *testing.T, stats UserStats) (http.Handler, token.Codec) {
	t.Helper()
	return newServerWithKey(t, stats, true)
}

func newServerWithKey(t *testing.T, stats UserStats, requireKey bool) (http.Handler, token.Codec) {
	t.Helper()
	codec := token.NewPlainCodec()
	dir := directory{
		1: {ID: 1, Role: rbac.RoleAdmin, IsActive: true},
		2: {ID: 2, Role: rbac.RoleModerator, IsActive: true},
	}
	composer := pipeline.NewComposer(pipeline.Config{
		Resolver:  identity.NewResolver(codec, dir, nil),
		Evaluator: rbac.NewEvaluator([]string{apiKey}),
	})
	started := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	h := NewHandler(nil, stats, stubCounter(1234), composer, "staging").
		WithClock(func() time.Time { return started.Add(90 * time.Minute) }, started).
		WithAPIKey(requireKey)
	r := chi.NewRouter()
	r.Route("/api/admin", h.MountRoutes)
	return r, codec
}

func get(t *testing.T, srv http.Handler, codec token.Codec, actor int64, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/admin/system-info", nil)
	if actor != 0 {
		tok, err := codec.Issue(actor)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if key != "" {
		req.Header.Set(pipeline.HeaderAPIKey, key)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestSystemInfoRequiresKeyAndAdmin(t *testing.T) {
	srv, codec := newServer(t, stubStats{})

	assert.Equal(t, http.StatusUnauthorized, get(t, srv, codec, 0, apiKey).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, srv, codec, 1, "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, srv, codec, 1, "wrong").Code)
	assert.Equal(t, http.StatusForbidden, get(t, srv, codec, 2, apiKey).Code)
}

func TestSystemInfo(t *testing.T) {
	srv, codec := newServer(t, stubStats{stats: users.Stats{Total: 12, Active: 9}})

	rec := get(t, srv, codec, 1, apiKey)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Success    bool       `json:"success"`
		SystemInfo SystemInfo `json:"system_info"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, DatabaseInfo{TotalUsers: 12, ActiveUsers: 9, TotalActivityLogs: 1234}, body.SystemInfo.Database)
	assert.Equal(t, "staging", body.SystemInfo.Server.Environment)
	assert.Equal(t, "1h30m0s", body.SystemInfo.Server.Uptime)
	assert.NotEmpty(t, body.SystemInfo.Runtime.GoVersion)
	assert.Positive(t, body.SystemInfo.Runtime.Goroutines)
}

func TestSystemInfoStoreFailure(t *testing.T) {
	srv, codec := newServer(t, stubStats{err: errors.New("pool closed")})

	rec := get(t, srv, codec, 1, apiKey)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSystemInfoWithoutKeyRequirement(t *testing.T) {
	srv, codec := newServerWithKey(t, stubStats{}, false)

	assert.Equal(t, http.StatusOK, get(t, srv, codec, 1, "").Code)
	assert.Equal(t, http.StatusForbidden, get(t, srv, codec, 2, "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, srv, codec, 0, "").Code)
}
