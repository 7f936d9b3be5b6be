package counters

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// CountResult is what a list endpoint yielded: either a server-reported
// total or the items themselves, which the caller filters client-side.
type CountResult interface {
	isCountResult()
}

// ExplicitTotal is a count the server reported directly.
type ExplicitTotal struct {
	N int
}

// ItemList is a list of returned items.
type ItemList struct {
	Items []map[string]any
}

func (ExplicitTotal) isCountResult() {}
func (ItemList) isCountResult()      {}

// CountWhere returns how many items satisfy match.
func (l ItemList) CountWhere(match func(item map[string]any) bool) int {
	n := 0
	for _, it := range l.Items {
		if match(it) {
			n++
		}
	}
	return n
}

// countShape is one known layout of a list response. Shapes are tried in
// order; the first that parses wins.
type countShape struct {
	name    string
	extract func(doc map[string]any) (CountResult, bool)
}

var countShapes = []countShape{
	{"result[]", func(doc map[string]any) (CountResult, bool) {
		items, ok := doc["result"].([]any)
		if !ok {
			return nil, false
		}
		return ItemList{Items: objects(items)}, true
	}},
	{"result.tasks[]", func(doc map[string]any) (CountResult, bool) {
		res, ok := doc["result"].(map[string]any)
		if !ok {
			return nil, false
		}
		items, ok := res["tasks"].([]any)
		if !ok {
			return nil, false
		}
		return ItemList{Items: objects(items)}, true
	}},
	{"result.total", func(doc map[string]any) (CountResult, bool) {
		res, ok := doc["result"].(map[string]any)
		if !ok {
			return nil, false
		}
		n, ok := asInt(res["total"])
		if !ok {
			return nil, false
		}
		return ExplicitTotal{N: n}, true
	}},
}

// extractCountResult decodes body and tries each known list shape in order.
func extractCountResult(body string) (CountResult, string, bool) {
	doc, ok := decodeObject(body)
	if !ok {
		return nil, "", false
	}
	for _, shape := range countShapes {
		if r, ok := shape.extract(doc); ok {
			return r, shape.name, true
		}
	}
	return nil, "", false
}

// extractTotal reads a server-reported total for a count-only query. The
// structured fields are tried first; a raw scan handles bodies that are
// truncated or otherwise fail to decode.
func extractTotal(body string) (int, bool) {
	if body == "" {
		return 0, false
	}
	if doc, ok := decodeObject(body); ok {
		if n, ok := asInt(doc["total"]); ok {
			return n, true
		}
		if res, ok := doc["result"].(map[string]any); ok {
			if n, ok := asInt(res["total"]); ok {
				return n, true
			}
		}
	}
	return rawTotal(body)
}

var rawTotalRe = regexp.MustCompile(`"(?:total|TOTAL)"\s*:\s*"?(\d+)`)

// rawTotal finds the first "total" (or "TOTAL") number in raw text.
func rawTotal(body string) (int, bool) {
	m := rawTotalRe.FindStringSubmatch(body)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// extractDialogCounters reads im.counters.get: TYPE.DIALOG falling back to a
// top-level DIALOG field, and TYPE.ALL falling back to TYPE.MESSENGER.
// ok is false only when the result object itself is missing.
func extractDialogCounters(body string) (unread, total int, ok bool) {
	doc, ok := decodeObject(body)
	if !ok {
		return 0, 0, false
	}
	res, ok := doc["result"].(map[string]any)
	if !ok {
		return 0, 0, false
	}

	typ, _ := res["TYPE"].(map[string]any)
	if n, ok := asInt(typ["DIALOG"]); ok {
		unread = n
	} else if n, ok := asInt(res["DIALOG"]); ok {
		unread = n
	}

	if n, ok := asInt(typ["ALL"]); ok {
		total = n
	} else if n, ok := asInt(typ["MESSENGER"]); ok {
		total = n
	}
	return unread, total, true
}

// extractUserID reads result.ID from user.current; the ID may arrive as a
// string or a number. Zero is not a valid identity.
func extractUserID(body string) (uint32, bool) {
	doc, ok := decodeObject(body)
	if !ok {
		return 0, false
	}
	res, ok := doc["result"].(map[string]any)
	if !ok {
		return 0, false
	}
	n, ok := asInt(res["ID"])
	if !ok || n <= 0 || n > math.MaxUint32 {
		return 0, false
	}
	return uint32(n), true
}

var dateRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)

// extractServerDate reads the calendar date from server.time. Known layouts,
// in order: result as a string, result.time / result.TIME, root time.
func extractServerDate(body string) (string, bool) {
	doc, ok := decodeObject(body)
	if !ok {
		return "", false
	}

	var raw string
	switch res := doc["result"].(type) {
	case string:
		raw = res
	case map[string]any:
		if s, ok := res["time"].(string); ok {
			raw = s
		} else if s, ok := res["TIME"].(string); ok {
			raw = s
		}
	}
	if raw == "" {
		if s, ok := doc["time"].(string); ok {
			raw = s
		}
	}
	if raw == "" {
		return "", false
	}

	date := dateRe.FindString(raw)
	return date, date != ""
}

// extractGroupName reads NAME (or name) from sonet_group.get, where result
// is either the group object or an array holding it.
func extractGroupName(body string) string {
	doc, ok := decodeObject(body)
	if !ok {
		return ""
	}
	var g map[string]any
	switch res := doc["result"].(type) {
	case map[string]any:
		g = res
	case []any:
		if len(res) > 0 {
			g, _ = res[0].(map[string]any)
		}
	}
	if g == nil {
		return ""
	}
	if s, ok := g["NAME"].(string); ok {
		return s
	}
	if s, ok := g["name"].(string); ok {
		return s
	}
	return ""
}

func decodeObject(body string) (map[string]any, bool) {
	if body == "" {
		return nil, false
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, false
	}
	return doc, doc != nil
}

func objects(items []any) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// asInt accepts JSON numbers and numeric strings.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}

// clamp saturates n into the uint16 counter range.
func clamp(n int) uint16 {
	if n < 0 {
		return 0
	}
	if n > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(n)
}
