package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"digestbot/internal/broadcast"
	"digestbot/internal/gate"
)

// Source is one JSON feed endpoint.
type Source struct {
	Name    string
	Section string
	URL     string
	Limit   int
}

// feedItem accepts the field names common feeds use.
type feedItem struct {
	Title       string    `json:"title"`
	Text        string    `json:"text"`
	Source      string    `json:"source"`
	URL         string    `json:"url"`
	Link        string    `json:"link"`
	PublishedAt time.Time `json:"published_at"`
}

type feedDoc struct {
	Items []feedItem `json:"items"`
}

const maxBody = 4 << 20

func fetch(ctx context.Context, client *http.Client, src Source) ([]broadcast.Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, gate.NoRetry(err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "digestbot")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &gate.StatusError{Code: resp.StatusCode, After: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, err
	}
	items, err := decodeFeed(body)
	if err != nil {
		return nil, gate.NoRetry(fmt.Errorf("%s: %w", src.Name, err))
	}
	return toItems(items, src), nil
}

// decodeFeed accepts {"items":[...]} or a bare array.
func decodeFeed(body []byte) ([]feedItem, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var items []feedItem
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	var doc feedDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	if doc.Items == nil {
		return nil, errors.New("feed has no items field")
	}
	return doc.Items, nil
}

func toItems(in []feedItem, src Source) []broadcast.Item {
	out := make([]broadcast.Item, 0, len(in))
	for _, it := range in {
		text := strings.TrimSpace(it.Title)
		if text == "" {
			text = strings.TrimSpace(it.Text)
		}
		if text == "" {
			continue
		}
		link := it.URL
		if link == "" {
			link = it.Link
		}
		source := it.Source
		if source == "" {
			source = src.Name
		}
		out = append(out, broadcast.Item{Text: text, Source: source, URL: link, PublishedAt: it.PublishedAt})
		if src.Limit > 0 && len(out) >= src.Limit {
			break
		}
	}
	return out
}

// parseRetryAfter reads delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
