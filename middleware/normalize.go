package middleware

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// normalizeRequest flattens array-valued fields that are not on the declared
// allow-list down to their last element, in both the query string and the
// body. Repeating a scalar parameter is the classic parameter-pollution
// trick; collapsing to the last value matches what a naive handler would
// read anyway.
func (g *Gate) normalizeRequest(c *fiber.Ctx) {
	if normalized, changed := normalizeQueryString(string(c.Request().URI().QueryString()), g.arrayFields); changed {
		c.Request().URI().SetQueryString(normalized)
	}

	contentType := string(c.Request().Header.ContentType())
	switch {
	case strings.HasPrefix(contentType, fiber.MIMEApplicationJSON):
		if body, changed := normalizeJSONBody(c.Body(), g.arrayFields); changed {
			c.Request().SetBody(body)
			c.Request().Header.SetContentLength(len(body))
		}
	case strings.HasPrefix(contentType, fiber.MIMEApplicationForm):
		if normalized, changed := normalizeQueryString(string(c.Body()), g.arrayFields); changed {
			c.Request().SetBody([]byte(normalized))
			c.Request().Header.SetContentLength(len(normalized))
		}
	}
}

// normalizeQueryString collapses repeated keys to their last value unless the
// key is allow-listed. Key order follows first appearance.
func normalizeQueryString(raw string, allowed map[string]bool) (string, bool) {
	if raw == "" {
		return raw, false
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return raw, false
	}

	changed := false
	for key, vals := range values {
		if len(vals) > 1 && !allowed[key] {
			values[key] = vals[len(vals)-1:]
			changed = true
		}
	}
	if !changed {
		return raw, false
	}
	return values.Encode(), true
}

// normalizeJSONBody collapses top-level array fields of a JSON object to
// their last element unless allow-listed. Non-object bodies pass untouched.
func normalizeJSONBody(raw []byte, allowed map[string]bool) ([]byte, bool) {
	if len(raw) == 0 {
		return raw, false
	}
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return raw, false
	}

	changed := false
	for key, value := range body {
		arr, isArray := value.([]interface{})
		if isArray && !allowed[key] && len(arr) > 0 {
			body[key] = arr[len(arr)-1]
			changed = true
		}
	}
	if !changed {
		return raw, false
	}

	out, err := json.Marshal(body)
	if err != nil {
		return raw, false
	}
	return out, true
}
