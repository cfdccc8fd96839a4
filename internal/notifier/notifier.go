// Package notifier delivers formatted text reports. Delivery is best-effort:
// callers log a returned error and carry on.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Sink accepts a text report.
type Sink interface {
	Send(text string) error
}

const (
	defaultTelegramURL = "https://api.telegram.org"
	telegramTimeout    = 10 * time.Second
	// Telegram rejects messages longer than 4096 UTF-16 units.
	maxMessageRunes = 4000
)

// Telegram posts messages to a chat through the Bot API sendMessage method.
type Telegram struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegram returns a Telegram sink. baseURL may be empty for the public API.
func NewTelegram(baseURL, token, chatID string) *Telegram {
	if baseURL == "" {
		baseURL = defaultTelegramURL
	}
	return &Telegram{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: telegramTimeout},
	}
}

// Enabled is true when both token and chat id are set.
func (t *Telegram) Enabled() bool {
	return t.token != "" && t.chatID != ""
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send splits long text into several messages and stops at the first failure.
func (t *Telegram) Send(text string) error {
	if !t.Enabled() {
		return errors.New("telegram sink not configured")
	}
	for _, chunk := range splitMessage(text, maxMessageRunes) {
		if err := t.sendOne(chunk); err != nil {
			return err
		}
	}
	return nil
}

func (t *Telegram) sendOne(text string) error {
	body, err := json.Marshal(sendMessageRequest{ChatID: t.chatID, Text: text})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), telegramTimeout)
	defer cancel()
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// the URL carries the token, keep it out of the error
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("telegram sendMessage: reading response: %w", err)
	}
	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("telegram sendMessage: status %d, undecodable response", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK || !parsed.OK {
		return fmt.Errorf("telegram sendMessage: status %d: %s", resp.StatusCode, parsed.Description)
	}
	return nil
}

// splitMessage cuts text into chunks of at most limit runes, preferring line breaks.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var out []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		out = append(out, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

// Log writes reports to the application log, used when no chat is configured.
type Log struct {
	logger *zap.Logger
}

// NewLog returns a sink that logs every report at info level.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

// Send never fails.
func (l *Log) Send(text string) error {
	l.logger.Info("report\n" + text)
	return nil
}

// Nop discards reports.
type Nop struct{}

// Send never fails.
func (Nop) Send(string) error { return nil }
