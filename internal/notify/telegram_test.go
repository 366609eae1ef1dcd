package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegramSend(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottok123/sendMessage", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	tg := NewTelegram(srv.URL+"/", "tok123", "-10042")
	require.NoError(t, tg.Send(context.Background(), "hello"))
	assert.Equal(t, "-10042", got["chat_id"])
	assert.Equal(t, "hello", got["text"])
}

func TestTelegramSendClassifiesRejection(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`))
	}))
	defer srv.Close()

	err := NewTelegram(srv.URL, "t", "1").Send(context.Background(), "x")
	var se *SendError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrBlocked, se.Kind)
	assert.Equal(t, http.StatusForbidden, se.Status)
	assert.Contains(t, se.Hint(), "unblock")
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		desc   string
		want   ErrorKind
	}{
		{401, "Unauthorized", ErrUnauthorized},
		{403, "Forbidden: bot was blocked by the user", ErrBlocked},
		{403, "Forbidden: bot can't initiate conversation with a user", ErrCantInitiate},
		{403, "Forbidden: bot is not a member of the supergroup chat", ErrNotInChat},
		{403, "Forbidden: bot was kicked from the group chat", ErrNotInChat},
		{403, "Forbidden", ErrForbidden},
		{400, "Bad Request: chat not found", ErrNotInChat},
		{400, "Bad Request: message text is empty", ErrBadRequest},
		{502, "", ErrHTTP},
		{429, "Too Many Requests: retry after 5", ErrHTTP},
	}
	for _, tc := range tests {
		got := classify(tc.status, tc.desc)
		assert.Equal(t, tc.want, got.Kind, "%d %q", tc.status, tc.desc)
		assert.NotEmpty(t, got.Hint())
	}
}
