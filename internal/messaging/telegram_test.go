package messaging_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memevault/internal/domain"
	"memevault/internal/messaging"
)

func TestSendMessageWithActions(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1}}`))
	}))
	defer srv.Close()
	tg := messaging.NewTelegram(srv.URL, "TOKEN", time.Second, zerolog.Nop())

	err := tg.SendMessage(context.Background(), "-100", "funded", domain.NewAction("Activate", domain.VerbActivate, "c1"))
	require.NoError(t, err)
	assert.Equal(t, "-100", got["chat_id"])
	markup := got["reply_markup"].(map[string]any)
	rows := markup["inline_keyboard"].([]any)
	require.Len(t, rows, 1)
	button := rows[0].([]any)[0].(map[string]any)
	assert.Equal(t, "activate_c1", button["callback_data"])
}

func TestGroupSizeAndMembership(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/botT/getChatMemberCount":
			_, _ = w.Write([]byte(`{"ok":true,"result":120}`))
		case "/botT/getChatMember":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"status":"left"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	tg := messaging.NewTelegram(srv.URL, "T", time.Second, zerolog.Nop())

	n, err := tg.GroupSize(context.Background(), "g")
	require.NoError(t, err)
	assert.Equal(t, 120, n)

	member, err := tg.IsMember(context.Background(), "g", "u")
	require.NoError(t, err)
	assert.False(t, member)
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":403,"description":"bot was blocked by the user"}`))
	}))
	defer srv.Close()
	tg := messaging.NewTelegram(srv.URL, "T", time.Second, zerolog.Nop())

	err := tg.SendPhoto(context.Background(), "u", "file-id", "caption")
	var apiErr *messaging.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 403, apiErr.Code)
}
