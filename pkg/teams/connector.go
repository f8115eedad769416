package teams

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coffin399/TeamsLLMbot/pkg/config"
	"github.com/coffin399/TeamsLLMbot/pkg/llm"
)

const (
	defaultLoginURL = "https://login.microsoftonline.com/botframework.com/oauth2/v2.0/token"
	tokenScope      = "https://api.botframework.com/.default"

	// Refresh tokens a minute before AAD says they expire.
	tokenExpirySkew = time.Minute

	maxImageBytes = 8 << 20
)

// Connector talks to the Bot Framework connector REST API: it posts new
// activities, updates existing ones, and fetches attachment content. With
// empty credentials it runs anonymously, which is what the Bot Framework
// Emulator expects.
type Connector struct {
	appID       string
	appPassword string
	loginURL    string
	httpClient  *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewConnector creates a connector from the bot credentials.
func NewConnector(cfg config.BotConfig) *Connector {
	return &Connector{
		appID:       cfg.AppID,
		appPassword: cfg.AppPassword,
		loginURL:    defaultLoginURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

// SendToConversation posts a new activity and returns the activity ID the
// channel assigned, which is the handle later updates target.
func (c *Connector) SendToConversation(ctx context.Context, serviceURL, conversationID string, activity Activity) (string, error) {
	endpoint := fmt.Sprintf("%s/v3/conversations/%s/activities",
		strings.TrimRight(serviceURL, "/"), url.PathEscape(conversationID))

	body, err := c.do(ctx, http.MethodPost, endpoint, activity)
	if err != nil {
		return "", err
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("connector: decode send response: %w", err)
	}
	return resp.ID, nil
}

// UpdateActivity replaces the content of a previously sent activity.
func (c *Connector) UpdateActivity(ctx context.Context, serviceURL, conversationID, activityID string, activity Activity) error {
	endpoint := fmt.Sprintf("%s/v3/conversations/%s/activities/%s",
		strings.TrimRight(serviceURL, "/"), url.PathEscape(conversationID), url.PathEscape(activityID))

	_, err := c.do(ctx, http.MethodPut, endpoint, activity)
	return err
}

// FetchImage downloads attachment content with the connector's bearer
// token. Teams-hosted content URLs require the same token as the connector
// API.
func (c *Connector) FetchImage(ctx context.Context, contentURL string) (llm.ImageRef, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, contentURL, nil)
	if err != nil {
		return llm.ImageRef{}, fmt.Errorf("connector: build attachment request: %w", err)
	}
	if err := c.authorize(ctx, req); err != nil {
		return llm.ImageRef{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return llm.ImageRef{}, fmt.Errorf("connector: fetch attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return llm.ImageRef{}, fmt.Errorf("connector: fetch attachment: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return llm.ImageRef{}, fmt.Errorf("connector: read attachment: %w", err)
	}
	if len(data) > maxImageBytes {
		return llm.ImageRef{}, fmt.Errorf("connector: attachment exceeds %d bytes", maxImageBytes)
	}

	return llm.ImageRef{
		MIMEType: resp.Header.Get("Content-Type"),
		Data:     data,
	}, nil
}

// do runs one authorized JSON request and returns the response body.
func (c *Connector) do(ctx context.Context, method, endpoint string, activity Activity) ([]byte, error) {
	payload, err := json.Marshal(activity)
	if err != nil {
		return nil, fmt.Errorf("connector: marshal activity: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("connector: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connector: %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("connector: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview := body
		if len(preview) > 512 {
			preview = preview[:512]
		}
		return nil, fmt.Errorf("connector: %s %s: status %d: %s", method, endpoint, resp.StatusCode, preview)
	}
	return body, nil
}

// authorize attaches a bearer token, fetching or refreshing it as needed.
// With empty credentials the request goes out unauthenticated.
func (c *Connector) authorize(ctx context.Context, req *http.Request) error {
	if c.appID == "" {
		return nil
	}
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *Connector) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.appID},
		"client_secret": {c.appPassword},
		"scope":         {tokenScope},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("connector: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("connector: request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("connector: token endpoint status %d: %s", resp.StatusCode, body)
	}

	var tr struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("connector: decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("connector: token endpoint returned no access_token")
	}

	c.token = tr.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tr.ExpiresIn)*time.Second - tokenExpirySkew)

	slog.Debug("connector_token_refreshed", "expires_in", tr.ExpiresIn)
	return c.token, nil
}

// ConversationReplier binds a connector to one inbound activity and
// implements the bridge's send/edit contract against that conversation.
type ConversationReplier struct {
	conn    *Connector
	inbound Activity
}

// NewReplier creates a replier for the conversation the activity came from.
func NewReplier(conn *Connector, inbound Activity) *ConversationReplier {
	return &ConversationReplier{conn: conn, inbound: inbound}
}

func (r *ConversationReplier) Send(ctx context.Context, text string) (string, error) {
	reply := r.inbound.NewReply(text)
	return r.conn.SendToConversation(ctx, r.inbound.ServiceURL, r.inbound.Conversation.ID, reply)
}

func (r *ConversationReplier) Edit(ctx context.Context, handle string, text string) error {
	reply := r.inbound.NewReply(text)
	reply.ID = handle
	return r.conn.UpdateActivity(ctx, r.inbound.ServiceURL, r.inbound.Conversation.ID, handle, reply)
}
