package crm

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"

	"github.com/sandeepkv93/crm-export-proxy/internal/domain"
	"github.com/sandeepkv93/crm-export-proxy/internal/observability"
)

// Unlimited as a page cap walks until the upstream stops returning links.
const Unlimited = math.MaxInt

type Page struct {
	Records  []domain.Record
	NextLink string
}

type listResponse struct {
	Value    []domain.Record `json:"value"`
	NextLink string          `json:"next_link"`
}

func (c *Client) FetchPage(ctx context.Context, sessionID, pageURL string) (*Page, error) {
	var body listResponse
	if _, err := c.doJSON(ctx, sessionID, http.MethodGet, pageURL, nil, &body); err != nil {
		return nil, err
	}
	next := body.NextLink
	if next != "" {
		resolved, err := resolveLink(pageURL, next)
		if err != nil {
			return nil, fmt.Errorf("%w: next_link %q: %v", ErrMalformedResponse, next, err)
		}
		next = resolved
	}
	return &Page{Records: body.Value, NextLink: next}, nil
}

// WalkPages follows next links from startURL, handing each page to fn as soon
// as it arrives. It stops after pageCap pages, when no next link is present,
// when the next link repeats the current URL, or when a page is empty.
func (c *Client) WalkPages(ctx context.Context, sessionID, startURL string, pageCap int, fn func(*Page) error) (int, error) {
	pagesFetched := 0
	current := startURL
	for {
		if pagesFetched >= pageCap {
			return pagesFetched, nil
		}
		page, err := c.FetchPage(ctx, sessionID, current)
		if err != nil {
			return pagesFetched, err
		}
		pagesFetched++
		if err := fn(page); err != nil {
			return pagesFetched, err
		}
		if page.NextLink == "" || page.NextLink == current || len(page.Records) == 0 {
			return pagesFetched, nil
		}
		current = page.NextLink
	}
}

// FetchPages accumulates every record reachable from startURL within pageCap.
func (c *Client) FetchPages(ctx context.Context, sessionID, startURL string, pageCap int) ([]domain.Record, error) {
	records := make([]domain.Record, 0)
	pages, err := c.WalkPages(ctx, sessionID, startURL, pageCap, func(p *Page) error {
		records = append(records, p.Records...)
		return nil
	})
	observability.RecordPagesFetched(ctx, "paged", pages)
	if err != nil {
		return nil, err
	}
	c.logger.DebugContext(ctx, "paginated fetch complete", "pages", pages, "records", len(records))
	return records, nil
}

func resolveLink(base, link string) (string, error) {
	ref, err := url.Parse(link)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() {
		return link, nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(ref).String(), nil
}
