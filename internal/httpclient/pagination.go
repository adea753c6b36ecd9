package httpclient

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
)

// Record is an opaque upstream record: a mapping from field name to
// scalar, nested mapping, sequence, or timestamp value.
type Record = map[string]any

// Paginate walks the given path with an offset/limit cursor until the
// upstream returns a short page (fewer than pageSize items) or an empty
// page. dataKey names the response object's array field; "items" is
// used if dataKey is empty and the body is not itself an array.
func (c *Client) Paginate(ctx context.Context, path string, query url.Values, dataKey string, pageSize int) ([]Record, error) {
	if pageSize <= 0 {
		pageSize = 1000
	}
	if query == nil {
		query = url.Values{}
	}

	var all []Record
	offset := 0

	for {
		pageQuery := cloneValues(query)
		pageQuery.Set("offset", strconv.Itoa(offset))
		pageQuery.Set("limit", strconv.Itoa(pageSize))

		raw, err := c.Get(ctx, path, pageQuery)
		if err != nil {
			return nil, err
		}

		page, err := extractPage(raw, dataKey)
		if err != nil {
			return nil, err
		}

		if len(page) == 0 {
			break
		}

		all = append(all, page...)

		if len(page) < pageSize {
			break
		}
		offset += len(page)
	}

	return all, nil
}

func extractPage(raw json.RawMessage, dataKey string) ([]Record, error) {
	// Try array-shaped body first.
	var asArray []Record
	if err := json.Unmarshal(raw, &asArray); err == nil {
		return asArray, nil
	}

	var asObject map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asObject); err != nil {
		return nil, err
	}

	key := dataKey
	if key == "" {
		key = "items"
	}

	field, ok := asObject[key]
	if !ok && key != "data" {
		field, ok = asObject["data"]
	}
	if !ok {
		return nil, nil
	}

	var page []Record
	if err := json.Unmarshal(field, &page); err != nil {
		return nil, err
	}
	return page, nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		cp := make([]string, len(vals))
		copy(cp, vals)
		out[k] = cp
	}
	return out
}
