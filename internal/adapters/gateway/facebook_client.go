// Package gateway implements external API adapters
// Following Hexagonal Architecture: Outbound adapters for external services
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"omnigate/internal/core/domain"
	"omnigate/internal/core/ports"
)

// Custom errors for specific Facebook API failures
var (
	// ErrTokenExpired indicates the page access token is expired or invalid (code 190)
	// Callers should deactivate the channel when this error is received
	ErrTokenExpired = errors.New("facebook access token expired or invalid")

	// ErrRateLimited indicates Facebook rate limit exceeded (code 4, 17, 32, 613)
	ErrRateLimited = errors.New("facebook rate limit exceeded")

	// ErrPermissionDenied indicates missing permissions (code 10, 200, 299)
	ErrPermissionDenied = errors.New("facebook permission denied")
)

const defaultGraphURL = "https://graph.facebook.com"

var _ ports.ChannelSender = (*FacebookClient)(nil)

// FacebookClient handles communication with Facebook Graph API
type FacebookClient struct {
	httpClient *http.Client
	baseURL    string
	apiVersion string
	maxRetries int
	onRevoked  func(ctx context.Context, channelID string)
}

// FacebookOption customises the client
type FacebookOption func(*FacebookClient)

// WithGraphURL points the client at another Graph API host (tests, proxies)
func WithGraphURL(u string) FacebookOption {
	return func(c *FacebookClient) { c.baseURL = u }
}

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(h *http.Client) FacebookOption {
	return func(c *FacebookClient) { c.httpClient = h }
}

// WithTokenRevokedHook is called when Facebook reports the page token invalid
func WithTokenRevokedHook(fn func(ctx context.Context, channelID string)) FacebookOption {
	return func(c *FacebookClient) { c.onRevoked = fn }
}

// NewFacebookClient creates a new Facebook API client
func NewFacebookClient(opts ...FacebookOption) *FacebookClient {
	c := &FacebookClient{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		baseURL:    defaultGraphURL,
		apiVersion: "v19.0", // Facebook Graph API version
		maxRetries: 3,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SendMessageRequest represents the Facebook Send API payload structure
type SendMessageRequest struct {
	Recipient struct {
		ID string `json:"id"` // PSID (Page-Scoped ID)
	} `json:"recipient"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
	MessagingType string `json:"messaging_type"` // "RESPONSE" for replies
}

// SendMessageResponse represents Facebook's response
type SendMessageResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

// FacebookError represents an error from Facebook API
type FacebookError struct {
	Message      string `json:"message"`
	Type         string `json:"type"`
	Code         int    `json:"code"`
	ErrorSubcode int    `json:"error_subcode"`
	FBTraceID    string `json:"fbtrace_id"`
}

// Send delivers text to a Messenger user (recipient is the PSID) using the
// channel's page access token. Returns Facebook's message id.
//
// Returns specific errors:
// - ErrTokenExpired: Token invalid/expired (code 190)
// - ErrRateLimited: Rate limit exceeded
// - ErrPermissionDenied: Missing permissions
func (c *FacebookClient) Send(ctx context.Context, ch *domain.Channel, recipient, text string) (string, error) {
	if ch.AccessToken == "" {
		return "", fmt.Errorf("channel %s has no page access token: %w", ch.ID, ErrTokenExpired)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		mid, err := c.sendAttempt(ctx, recipient, ch.AccessToken, text, attempt)
		if err == nil {
			return mid, nil
		}
		lastErr = err

		if errors.Is(err, ErrTokenExpired) && c.onRevoked != nil {
			c.onRevoked(ctx, ch.ID)
		}
		// Don't retry on these specific errors
		if errors.Is(err, ErrTokenExpired) ||
			errors.Is(err, ErrPermissionDenied) ||
			errors.Is(err, ErrRateLimited) ||
			ctx.Err() != nil {
			return "", err
		}

		// Retry on network errors with backoff
		if attempt < c.maxRetries {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			slog.Warn("Retrying Facebook API call",
				"attempt", attempt,
				"max_retries", c.maxRetries,
				"backoff_ms", backoff.Milliseconds(),
				"error", err,
			)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return "", fmt.Errorf("failed after %d attempts: %w", c.maxRetries, lastErr)
}

// sendAttempt performs a single attempt to send message
func (c *FacebookClient) sendAttempt(ctx context.Context, recipientPSID, pageAccessToken, text string, attempt int) (string, error) {
	payload := SendMessageRequest{
		MessagingType: "RESPONSE",
	}
	payload.Recipient.ID = recipientPSID
	payload.Message.Text = text

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messagesURL(), bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.URL.RawQuery = url.Values{"access_token": {pageAccessToken}}.Encode()

	// Log outgoing request (without token for security)
	slog.Info("Sending message to Facebook",
		"recipient_psid", recipientPSID,
		"text_length", len(text),
		"attempt", attempt,
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("facebook api request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", parseFacebookError(resp.StatusCode, body)
	}

	var sendResp SendMessageResponse
	if err := json.Unmarshal(body, &sendResp); err != nil {
		// HTTP 200 means it worked; the id is just unknown
		slog.Warn("Failed to parse success response", "error", err)
		return "", nil
	}

	slog.Info("Message sent successfully",
		"recipient_psid", recipientPSID,
		"message_id", sendResp.MessageID,
		"attempt", attempt,
	)
	return sendResp.MessageID, nil
}

func parseFacebookError(status int, body []byte) error {
	var fbError struct {
		Error FacebookError `json:"error"`
	}
	if err := json.Unmarshal(body, &fbError); err != nil {
		slog.Error("Facebook API error (unparseable)",
			"status_code", status,
			"body", string(body),
		)
		return fmt.Errorf("facebook api error %d: %s", status, string(body))
	}

	slog.Error("Facebook API error",
		"status_code", status,
		"error_code", fbError.Error.Code,
		"error_message", fbError.Error.Message,
		"error_subcode", fbError.Error.ErrorSubcode,
		"fbtrace_id", fbError.Error.FBTraceID,
	)

	switch fbError.Error.Code {
	case 190: // Token expired/invalid
		return ErrTokenExpired
	case 4, 17, 32, 613: // Rate limiting
		return ErrRateLimited
	case 10, 200, 299: // Permission errors
		return ErrPermissionDenied
	case 100: // Invalid parameter
		return fmt.Errorf("invalid parameter: %s", fbError.Error.Message)
	default:
		return fmt.Errorf("facebook api error (code %d): %s", fbError.Error.Code, fbError.Error.Message)
	}
}

func (c *FacebookClient) messagesURL() string {
	return fmt.Sprintf("%s/%s/me/messages", c.baseURL, c.apiVersion)
}
