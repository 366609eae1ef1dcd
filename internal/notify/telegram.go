package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Sender delivers one text message to the alert channel.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// ErrorKind classifies alert channel failures.
type ErrorKind int

const (
	ErrUnauthorized ErrorKind = iota + 1
	ErrBlocked
	ErrCantInitiate
	ErrNotInChat
	ErrForbidden
	ErrBadRequest
	ErrHTTP
)

func (k ErrorKind) String() string {
	switch k {
	case ErrUnauthorized:
		return "unauthorized"
	case ErrBlocked:
		return "blocked"
	case ErrCantInitiate:
		return "cant_initiate"
	case ErrNotInChat:
		return "not_in_chat"
	case ErrForbidden:
		return "forbidden"
	case ErrBadRequest:
		return "bad_request"
	case ErrHTTP:
		return "http_error"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// SendError is a rejected delivery.
type SendError struct {
	Kind        ErrorKind
	Status      int
	Description string
}

func (e *SendError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("telegram %s (%d): %s", e.Kind, e.Status, e.Description)
	}
	return fmt.Sprintf("telegram %s (%d)", e.Kind, e.Status)
}

// Hint tells the operator what to fix.
func (e *SendError) Hint() string {
	switch e.Kind {
	case ErrUnauthorized:
		return "bot token is invalid or revoked; check telegram_bot_token"
	case ErrBlocked:
		return "the user blocked the bot; unblock it in Telegram"
	case ErrCantInitiate:
		return "the bot cannot start a conversation; send /start to the bot first"
	case ErrNotInChat:
		return "the bot is not a member of the chat or the chat id is wrong; check telegram_chat_id"
	case ErrForbidden:
		return "the bot is not allowed to post in this chat"
	case ErrBadRequest:
		return "Telegram rejected the request; check telegram_chat_id and message content"
	}
	return fmt.Sprintf("Telegram returned HTTP %d; will retry on the next scan", e.Status)
}

// Telegram sends messages through the Bot API sendMessage method.
type Telegram struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegram creates a Telegram sender. baseURL defaults to the public API.
func NewTelegram(baseURL, token, chatID string) *Telegram {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &Telegram{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// Send posts text to the configured chat.
func (t *Telegram) Send(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]any{
		"chat_id":                  t.chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var tr telegramResponse
	_ = json.Unmarshal(raw, &tr)
	if resp.StatusCode == http.StatusOK && tr.OK {
		return nil
	}
	return classify(resp.StatusCode, tr.Description)
}

func classify(status int, desc string) *SendError {
	d := strings.ToLower(desc)
	kind := ErrHTTP
	switch status {
	case http.StatusUnauthorized:
		kind = ErrUnauthorized
	case http.StatusForbidden:
		switch {
		case strings.Contains(d, "blocked by the user"):
			kind = ErrBlocked
		case strings.Contains(d, "can't initiate"):
			kind = ErrCantInitiate
		case strings.Contains(d, "not a member"), strings.Contains(d, "kicked"):
			kind = ErrNotInChat
		default:
			kind = ErrForbidden
		}
	case http.StatusBadRequest:
		if strings.Contains(d, "chat not found") {
			kind = ErrNotInChat
		} else {
			kind = ErrBadRequest
		}
	}
	return &SendError{Kind: kind, Status: status, Description: desc}
}
