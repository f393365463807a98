package crm

import (
	"net/url"
	"sort"
	"strconv"
)

// Resource is a named upstream collection with a fixed export column schema.
// Columns never depend on which optional fields a record happens to carry.
type Resource struct {
	Name       string
	ListPath   string
	RecordPath string
	Columns    []string
	Filters    []string
}

var commonFilters = []string{"limit", "offset", "date_added", "last_modified", "sort_token", "sort", "fields", "continuation_token"}

var resources = map[string]Resource{
	"constituents": {
		Name:       "constituents",
		ListPath:   "/constituent/v1/constituents",
		RecordPath: "/constituent/v1/constituents/",
		Columns: []string{
			"id", "lookup_id", "type", "name", "first", "middle", "last", "preferred_name", "former_name",
			"title", "suffix", "gender", "marital_status", "birthdate", "age", "deceased", "inactive",
			"gives_anonymously", "fundraiser_status", "email", "phone", "address", "online_presence",
			"spouse", "date_added", "date_modified",
		},
		Filters: append([]string{"include_inactive", "include_deceased", "search_text", "list_id", "constituent_code", "custom_field_category", "postal_code", "fundraiser_status"}, commonFilters...),
	},
	"actions": {
		Name:       "actions",
		ListPath:   "/constituent/v1/actions",
		RecordPath: "/constituent/v1/actions/",
		Columns: []string{
			"id", "constituent_id", "category", "type", "status", "status_code", "computed_status", "completed",
			"completed_date", "date", "start_time", "end_time", "direction", "priority", "location", "outcome",
			"summary", "description", "fundraisers", "opportunity_id", "date_added", "date_modified",
		},
		Filters: append([]string{"list_id", "computed_status", "status_code", "category"}, commonFilters...),
	},
	"gifts": {
		Name:       "gifts",
		ListPath:   "/gift/v1/gifts",
		RecordPath: "/gift/v1/gifts/",
		Columns: []string{
			"id", "lookup_id", "constituent_id", "type", "subtype", "amount", "balance", "date", "post_date",
			"post_status", "gift_status", "gift_code", "batch_number", "reference", "is_anonymous", "constituency",
			"gift_aid_qualification_status", "recurring_gift_status_date", "acknowledgements", "fundraisers",
			"gift_splits", "linked_gifts", "payments", "receipts", "soft_credits", "date_added", "date_modified",
		},
		Filters: append([]string{"constituent_id", "gift_type", "post_status", "received_from", "received_to", "fund_id", "campaign_id", "appeal_id", "list_id"}, commonFilters...),
	},
	"appeals": {
		Name:       "appeals",
		ListPath:   "/fundraising/v1/appeals",
		RecordPath: "/fundraising/v1/appeals/",
		Columns: []string{
			"id", "lookup_id", "description", "category", "start_date", "end_date", "goal", "inactive",
			"date_added", "date_modified",
		},
		Filters: append([]string{"include_inactive"}, commonFilters...),
	},
	"funds": {
		Name:       "funds",
		ListPath:   "/fundraising/v1/funds",
		RecordPath: "/fundraising/v1/funds/",
		Columns: []string{
			"id", "lookup_id", "description", "category", "type", "start_date", "end_date", "goal", "inactive",
			"date_added", "date_modified",
		},
		Filters: append([]string{"include_inactive", "fund_id"}, commonFilters...),
	},
	"campaigns": {
		Name:       "campaigns",
		ListPath:   "/fundraising/v1/campaigns",
		RecordPath: "/fundraising/v1/campaigns/",
		Columns: []string{
			"id", "lookup_id", "description", "category", "start_date", "end_date", "goal", "inactive",
			"date_added", "date_modified",
		},
		Filters: append([]string{"include_inactive"}, commonFilters...),
	},
	"events": {
		Name:       "events",
		ListPath:   "/event/v1/eventlist",
		RecordPath: "/event/v1/events/",
		Columns: []string{
			"id", "lookup_id", "name", "description", "category", "start_date", "start_time", "end_date",
			"end_time", "location", "capacity", "goal", "attending_count", "invited_count", "revenue", "inactive",
			"date_added", "date_modified",
		},
		Filters: append([]string{"category_id", "start_date_from", "start_date_to", "include_inactive", "name", "group_id"}, commonFilters...),
	},
}

func LookupResource(name string) (Resource, bool) {
	r, ok := resources[name]
	return r, ok
}

func ResourceNames() []string {
	names := make([]string, 0, len(resources))
	for name := range resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListURL builds the first page URL. Only allowlisted filters from query are
// forwarded; limit falls back to defaultLimit and offset to 0.
func (r Resource) ListURL(baseURL string, query url.Values, defaultLimit int) string {
	out := url.Values{}
	for _, key := range r.Filters {
		if v := query.Get(key); v != "" {
			out.Set(key, v)
		}
	}
	if out.Get("limit") == "" {
		out.Set("limit", strconv.Itoa(defaultLimit))
	}
	if out.Get("offset") == "" {
		out.Set("offset", "0")
	}
	return baseURL + r.ListPath + "?" + out.Encode()
}

func (r Resource) RecordURL(baseURL, id string) string {
	return baseURL + r.RecordPath + url.PathEscape(id)
}
