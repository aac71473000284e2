package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailstore/internal/inject"
	"github.com/vdavid/mailstore/internal/mailbox"
	"github.com/vdavid/mailstore/internal/mime"
	"github.com/vdavid/mailstore/internal/testutil"
)

func TestHealth(t *testing.T) {
	pool := testutil.NewTestDB(t)
	registry := mailbox.NewRegistry()
	handler := NewStatusHandler(pool, inject.NewRuntime(pool, registry, nil), registry)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	handler.Health(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestStatusCounters(t *testing.T) {
	ctx := context.Background()
	pool := testutil.NewTestDB(t)
	registry := mailbox.NewRegistry()
	rt := inject.NewRuntime(pool, registry, nil)
	handler := NewStatusHandler(pool, rt, registry)

	inbox, err := registry.Create(ctx, pool, "bob/INBOX")
	require.NoError(t, err)

	m := mime.Parse([]byte(testutil.SimpleMessage))
	require.True(t, m.Valid())
	inj := inject.New(rt, m)
	inj.SetMailboxes([]*mailbox.Mailbox{inbox})
	require.NoError(t, inj.Execute(ctx))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	w := httptest.NewRecorder()
	handler.Status(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp struct {
		MessagesInjected int64 `json:"messages_injected"`
		InjectionErrors  int64 `json:"injection_errors"`
		Mailboxes        int   `json:"mailboxes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.MessagesInjected)
	assert.Zero(t, resp.InjectionErrors)
	assert.Equal(t, 1, resp.Mailboxes)
}
