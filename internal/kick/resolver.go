package kick

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultAPIBase = "https://kick.com/api/v2"

// Channel is a Kick channel with its chatroom id.
type Channel struct {
	Slug       string `json:"slug"`
	ChannelID  int    `json:"channel_id"`
	ChatroomID int    `json:"chatroom_id"`
}

type channelResponse struct {
	ID       int    `json:"id"`
	Slug     string `json:"slug"`
	Chatroom struct {
		ID int `json:"id"`
	} `json:"chatroom"`
}

// Resolver looks up chatroom ids through the public channel API.
type Resolver struct {
	BaseURL string
	Client  *http.Client
}

func NewResolver() *Resolver {
	return &Resolver{BaseURL: DefaultAPIBase, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (r *Resolver) Resolve(ctx context.Context, slug string) (Channel, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	url := fmt.Sprintf("%s/channels/%s", strings.TrimRight(r.BaseURL, "/"), slug)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Channel{}, fmt.Errorf("build request: %w", err)
	}

	// The API sits behind Cloudflare, which rejects non-browser clients.
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", "https://kick.com/")
	req.Header.Set("Origin", "https://kick.com")
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "same-origin")

	resp, err := r.Client.Do(req)
	if err != nil {
		return Channel{}, fmt.Errorf("resolve %s: %w", slug, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return Channel{}, fmt.Errorf("resolve %s: status %d: %s", slug, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var info channelResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return Channel{}, fmt.Errorf("resolve %s: decode: %w", slug, err)
	}
	if info.Chatroom.ID == 0 {
		return Channel{}, fmt.Errorf("resolve %s: no chatroom in response", slug)
	}
	if info.Slug == "" {
		info.Slug = slug
	}
	return Channel{Slug: info.Slug, ChannelID: info.ID, ChatroomID: info.Chatroom.ID}, nil
}
