// Package dispatch delivers outbound message content to the backend. This
// request/response path is authoritative for delivery; the transport echo
// the coordinator sends alongside it is best-effort only.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/carelink/chatsync/pkg/model"
)

const requestTimeout = 15 * time.Second

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

type sendRequest struct {
	ConversationID string             `json:"conversationId"`
	Content        string             `json:"content"`
	Attachments    []model.Attachment `json:"attachments,omitempty"`
}

type sendResponse struct {
	ID string `json:"id"`
}

// Send delivers one message and returns the server-issued id. There is no
// partial success: a non-2xx response means the message was not accepted.
func (c *Client) Send(ctx context.Context, conversationID, content string, attachments []model.Attachment) (string, error) {
	body, err := json.Marshal(sendRequest{
		ConversationID: conversationID,
		Content:        content,
		Attachments:    attachments,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "dispatch: send")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("dispatch: unexpected status %d", resp.StatusCode)
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "dispatch: decode response")
	}
	if out.ID == "" {
		return "", errors.New("dispatch: response missing message id")
	}
	return out.ID, nil
}
