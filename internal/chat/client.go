// Package chat is the HTTP client for the chat platform: direct messages and
// per-task group workspaces.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const requestTimeout = 10 * time.Second

// Client posts plain text messages and manages group chats.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: requestTimeout},
	}
}

// apiResponse is the envelope every chat endpoint answers with.
type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		ChatID string `json:"chat_id"`
	} `json:"data"`
}

type messageRequest struct {
	ReceiveID string `json:"receive_id"`
	MsgType   string `json:"msg_type"`
	Content   string `json:"content"`
}

// Notify sends a text message to a user or chat id.
func (c *Client) Notify(ctx context.Context, recipient, message string) error {
	content, err := json.Marshal(map[string]string{"text": message})
	if err != nil {
		return fmt.Errorf("marshal message content: %w", err)
	}
	_, err = c.call(ctx, "/messages", messageRequest{ReceiveID: recipient, MsgType: "text", Content: string(content)})
	return err
}

type createChatRequest struct {
	Name    string   `json:"name"`
	UserIDs []string `json:"user_id_list"`
}

// CreateWorkspace creates a group chat with the given members and returns its id.
func (c *Client) CreateWorkspace(ctx context.Context, name string, members []string) (string, error) {
	resp, err := c.call(ctx, "/chats", createChatRequest{Name: name, UserIDs: members})
	if err != nil {
		return "", err
	}
	if resp.Data.ChatID == "" {
		return "", fmt.Errorf("create chat: response has no chat_id")
	}
	return resp.Data.ChatID, nil
}

type addMembersRequest struct {
	IDList []string `json:"id_list"`
}

// AddMembers adds users to an existing group chat.
func (c *Client) AddMembers(ctx context.Context, workspaceRef string, members []string) error {
	_, err := c.call(ctx, "/chats/"+url.PathEscape(workspaceRef)+"/members", addMembersRequest{IDList: members})
	return err
}

func (c *Client) call(ctx context.Context, path string, payload any) (*apiResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("chat %s returned status %d", path, resp.StatusCode)
	}
	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", path, err)
	}
	if out.Code != 0 {
		return nil, fmt.Errorf("chat %s failed: code %d: %s", path, out.Code, out.Msg)
	}
	return &out, nil
}
