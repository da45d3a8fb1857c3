package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// pageResponse is the collection envelope: a value array plus an opaque
// continuation cursor. An absent cursor ends the sequence.
type pageResponse struct {
	Value    []json.RawMessage `json:"value"`
	NextLink string            `json:"@odata.nextLink"` //nolint:tagliatelle // OData annotation key
}

// List walks the continuation cursor starting at path and accumulates up
// to maxItems decoded elements, in server order, truncating mid-page when
// the bound falls inside one. Each call is a fresh page walk — no
// pagination state survives between invocations. maxItems <= 0 returns an
// empty slice without a request.
func List[T any](ctx context.Context, c *Client, path string, maxItems int) ([]T, error) {
	items := make([]T, 0)
	if maxItems <= 0 {
		return items, nil
	}

	page := 1

	for path != "" {
		raw, err := c.Request(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}

		var pr pageResponse
		if err := json.Unmarshal(raw, &pr); err != nil {
			return nil, fmt.Errorf("transport: decoding page %d: %w", page, err)
		}

		for _, rv := range pr.Value {
			var item T
			if err := json.Unmarshal(rv, &item); err != nil {
				return nil, fmt.Errorf("transport: decoding item on page %d: %w", page, err)
			}

			items = append(items, item)

			if len(items) == maxItems {
				c.logger.Debug("item bound reached, abandoning cursor",
					slog.Int("page", page),
					slog.Int("items", len(items)),
				)

				return items, nil
			}
		}

		if pr.NextLink == "" {
			break
		}

		path, err = c.stripBaseURL(pr.NextLink)
		if err != nil {
			return nil, err
		}

		page++
	}

	c.logger.Debug("listing complete",
		slog.Int("pages", page),
		slog.Int("items", len(items)),
	)

	return items, nil
}
