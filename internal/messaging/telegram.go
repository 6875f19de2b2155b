package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"memevault/internal/domain"
)

// Telegram is a Gateway over the Telegram Bot API.
type Telegram struct {
	APIURL     string
	Token      string
	HTTPClient *http.Client
	Log        zerolog.Logger
}

func NewTelegram(apiURL, token string, timeout time.Duration, log zerolog.Logger) *Telegram {
	return &Telegram{
		APIURL:     apiURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: timeout},
		Log:        log.With().Str("component", "telegram").Logger(),
	}
}

// APIError is a response with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type replyMarkup struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

func keyboard(actions []domain.Action) *replyMarkup {
	if len(actions) == 0 {
		return nil
	}
	m := &replyMarkup{}
	for _, a := range actions {
		m.InlineKeyboard = append(m.InlineKeyboard, []inlineButton{{Text: a.Text, CallbackData: a.Data}})
	}
	return m
}

func (t *Telegram) SendMessage(ctx context.Context, chatID, text string, actions ...domain.Action) error {
	body := map[string]any{"chat_id": chatID, "text": text, "parse_mode": "Markdown"}
	if kb := keyboard(actions); kb != nil {
		body["reply_markup"] = kb
	}
	return t.call(ctx, "sendMessage", body, nil)
}

func (t *Telegram) SendPhoto(ctx context.Context, chatID, media, caption string, actions ...domain.Action) error {
	body := map[string]any{"chat_id": chatID, "photo": media, "caption": caption, "parse_mode": "Markdown"}
	if kb := keyboard(actions); kb != nil {
		body["reply_markup"] = kb
	}
	return t.call(ctx, "sendPhoto", body, nil)
}

func (t *Telegram) GroupSize(ctx context.Context, groupID string) (int, error) {
	var n int
	if err := t.call(ctx, "getChatMemberCount", map[string]any{"chat_id": groupID}, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (t *Telegram) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	var member struct {
		Status string `json:"status"`
	}
	err := t.call(ctx, "getChatMember", map[string]any{"chat_id": groupID, "user_id": userID}, &member)
	if err != nil {
		return false, err
	}
	switch member.Status {
	case "left", "kicked":
		return false, nil
	default:
		return true, nil
	}
}

var _ AdminLister = (*Telegram)(nil)

// Administrators lists the user ids of a group's administrators.
func (t *Telegram) Administrators(ctx context.Context, groupID string) ([]string, error) {
	var members []struct {
		User struct {
			ID int64 `json:"id"`
		} `json:"user"`
	}
	if err := t.call(ctx, "getChatAdministrators", map[string]any{"chat_id": groupID}, &members); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, fmt.Sprint(m.User.ID))
	}
	return ids, nil
}

func (t *Telegram) call(ctx context.Context, method string, body any, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/bot%s/%s", strings.TrimRight(t.APIURL, "/"), t.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var env struct {
		OK          bool            `json:"ok"`
		Result      json.RawMessage `json:"result"`
		ErrorCode   int             `json:"error_code"`
		Description string          `json:"description"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("telegram %s: decode: %w", method, err)
	}
	if !env.OK {
		code := env.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{Method: method, Code: code, Description: env.Description}
	}
	if out != nil {
		return json.Unmarshal(env.Result, out)
	}
	return nil
}
