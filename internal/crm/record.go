package crm

import (
	"context"
	"errors"
	"net/http"

	"github.com/sandeepkv93/crm-export-proxy/internal/domain"
)

// GetRecord fetches one record of resource by id. A 404 is remembered briefly
// so repeated lookups of a missing id do not spend upstream quota.
func (c *Client) GetRecord(ctx context.Context, sessionID string, resource Resource, id string) (domain.Record, error) {
	recordURL := resource.RecordURL(c.baseURL, id)
	if c.misses != nil {
		if missing, err := c.misses.Get(ctx, resource.Name, id); err == nil && missing {
			return nil, &UpstreamError{StatusCode: http.StatusNotFound, Body: "record not found", URL: redactURL(recordURL)}
		}
	}

	var record domain.Record
	_, err := c.doJSON(ctx, sessionID, http.MethodGet, recordURL, nil, &record)
	if err != nil {
		var upErr *UpstreamError
		if c.misses != nil && errors.As(err, &upErr) && upErr.StatusCode == http.StatusNotFound {
			if cacheErr := c.misses.Set(ctx, resource.Name, id, recordMissTTL); cacheErr != nil {
				c.logger.WarnContext(ctx, "record miss cache write failed", "resource", resource.Name, "error", cacheErr)
			}
		}
		return nil, err
	}
	return record, nil
}

// ForgetMisses drops cached 404s for resource, typically after a full export
// has observed its current contents.
func (c *Client) ForgetMisses(ctx context.Context, resource string) error {
	if c.misses == nil {
		return nil
	}
	return c.misses.InvalidateNamespace(ctx, resource)
}
