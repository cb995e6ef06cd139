// Package history fetches pages of conversation history from the backend.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/carelink/chatsync/pkg/model"
)

// requestTimeout bounds a fetch so a synchronize pass cannot hang on a
// stalled backend.
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

type historyResponse struct {
	Messages []model.Message `json:"messages"`
}

// GetMessages returns the most recent page for a conversation, oldest first.
func (c *Client) GetMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	q := url.Values{}
	q.Set("conversation_id", conversationID)
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "history: fetch")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history: unexpected status %d", resp.StatusCode)
	}

	var out historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "history: decode response")
	}
	return out.Messages, nil
}
