// README: HTTP client for the ticketing service's eligibility check.
package tickets

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"ridepool/internal/types"
)

// Client performs eligibility lookups against the ticketing service.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 3 * time.Second},
	}
}

// HasValidTicket reports whether the user holds a valid ticket for the event.
// Checked once before a request may enter the matching engine.
func (c *Client) HasValidTicket(ctx context.Context, userID, eventID types.ID) (bool, error) {
	q := url.Values{}
	q.Set("user_id", string(userID))
	q.Set("event_id", string(eventID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tickets/valid?"+q.Encode(), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("ticket service status %d", resp.StatusCode)
	}
	var out struct {
		Valid bool `json:"valid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	return out.Valid, nil
}
