package stackmob

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Query accumulates filters, ordering, paging, relation expansion, and
// field selection for a schema read. Queries are built fluently and are
// not safe for concurrent mutation; build one per request.
//
//	query := stackmob.NewQuery().
//	    EqualTo("genre", "scifi").
//	    GreaterThan("pages", 100).
//	    OrderByDesc("publishdate").
//	    Range(0, 9)
//
//	var books []Book
//	rng, err := client.Query(ctx, "books", query, &books)
type Query struct {
	params   url.Values
	orderBy  []string
	start    int
	end      int
	expand   int
	selected []string
	err      error
}

// NewQuery creates an empty query matching all objects.
func NewQuery() *Query {
	return &Query{
		params: make(url.Values),
		start:  -1,
		end:    -1,
	}
}

// EqualTo filters on field == value.
func (q *Query) EqualTo(field string, value interface{}) *Query {
	return q.addParam(field, "", value)
}

// NotEqualTo filters on field != value.
func (q *Query) NotEqualTo(field string, value interface{}) *Query {
	return q.addParam(field, "ne", value)
}

// LessThan filters on field < value.
func (q *Query) LessThan(field string, value interface{}) *Query {
	return q.addParam(field, "lt", value)
}

// LessThanOrEqual filters on field <= value.
func (q *Query) LessThanOrEqual(field string, value interface{}) *Query {
	return q.addParam(field, "lte", value)
}

// GreaterThan filters on field > value.
func (q *Query) GreaterThan(field string, value interface{}) *Query {
	return q.addParam(field, "gt", value)
}

// GreaterThanOrEqual filters on field >= value.
func (q *Query) GreaterThanOrEqual(field string, value interface{}) *Query {
	return q.addParam(field, "gte", value)
}

// In filters on field being any of the given values.
func (q *Query) In(field string, values ...interface{}) *Query {
	if len(values) == 0 {
		q.fail(fmt.Errorf("in filter on %q needs at least one value", field))
		return q
	}
	parts := make([]string, len(values))
	for i, v := range values {
		s, err := formatQueryValue(v)
		if err != nil {
			q.fail(err)
			return q
		}
		parts[i] = s
	}
	q.params.Set(field+"[in]", strings.Join(parts, ","))
	return q
}

// IsNull filters on field being unset.
func (q *Query) IsNull(field string) *Query {
	q.params.Set(field+"[null]", "true")
	return q
}

// IsNotNull filters on field being set.
func (q *Query) IsNotNull(field string) *Query {
	q.params.Set(field+"[null]", "false")
	return q
}

// Near orders results by distance from point. Results come back nearest
// first with the computed distance attached by the server.
func (q *Query) Near(field string, point GeoPoint) *Query {
	if err := point.Validate(); err != nil {
		q.fail(err)
		return q
	}
	q.params.Set(field+"[near]", point.queryCoord())
	return q
}

// NearWithin orders results by distance from point and drops objects
// farther than maxRadians. Use KmToRadians or MilesToRadians for the
// distance.
func (q *Query) NearWithin(field string, point GeoPoint, maxRadians float64) *Query {
	if err := point.Validate(); err != nil {
		q.fail(err)
		return q
	}
	q.params.Set(field+"[near]", point.queryCoord()+","+formatFloat(maxRadians))
	return q
}

// WithinRadius filters to objects within radians of point, unordered.
func (q *Query) WithinRadius(field string, point GeoPoint, radians float64) *Query {
	if err := point.Validate(); err != nil {
		q.fail(err)
		return q
	}
	q.params.Set(field+"[within]", point.queryCoord()+","+formatFloat(radians))
	return q
}

// WithinBox filters to objects inside the box spanned by the two
// corners.
func (q *Query) WithinBox(field string, bottomLeft, topRight GeoPoint) *Query {
	if err := bottomLeft.Validate(); err != nil {
		q.fail(err)
		return q
	}
	if err := topRight.Validate(); err != nil {
		q.fail(err)
		return q
	}
	q.params.Set(field+"[within]", bottomLeft.queryCoord()+","+topRight.queryCoord())
	return q
}

// OrderByAsc appends an ascending sort on field.
func (q *Query) OrderByAsc(field string) *Query {
	q.orderBy = append(q.orderBy, field+":asc")
	return q
}

// OrderByDesc appends a descending sort on field.
func (q *Query) OrderByDesc(field string) *Query {
	q.orderBy = append(q.orderBy, field+":desc")
	return q
}

// Range requests objects start through end inclusive, zero-based. The
// response's RangeInfo carries the result set total.
func (q *Query) Range(start, end int) *Query {
	if start < 0 || end < start {
		q.fail(fmt.Errorf("invalid range %d-%d", start, end))
		return q
	}
	q.start, q.end = start, end
	return q
}

// Expand inlines related objects up to depth levels (1 to 3) instead of
// returning their ids.
func (q *Query) Expand(depth int) *Query {
	if depth < 1 || depth > 3 {
		q.fail(fmt.Errorf("expand depth %d out of range [1, 3]", depth))
		return q
	}
	q.expand = depth
	return q
}

// Select restricts returned fields. Relation fields use dot paths
// ("author.name") when combined with Expand.
func (q *Query) Select(fields ...string) *Query {
	q.selected = append(q.selected, fields...)
	return q
}

// fail records the first builder error; encode reports it.
func (q *Query) fail(err error) {
	if q.err == nil {
		q.err = err
	}
}

// encode renders the accumulated query parameters and headers.
func (q *Query) encode() (url.Values, http.Header, error) {
	if q.err != nil {
		return nil, nil, q.err
	}

	params := make(url.Values, len(q.params))
	for k, vs := range q.params {
		params[k] = append([]string(nil), vs...)
	}

	headers := make(http.Header)
	if len(q.orderBy) > 0 {
		headers.Set("X-StackMob-OrderBy", strings.Join(q.orderBy, ","))
	}
	if q.start >= 0 {
		headers.Set("Range", fmt.Sprintf("objects=%d-%d", q.start, q.end))
	}
	if q.expand > 0 {
		headers.Set("X-StackMob-Expand", strconv.Itoa(q.expand))
	}
	if len(q.selected) > 0 {
		headers.Set("X-StackMob-Select", strings.Join(q.selected, ","))
	}
	return params, headers, nil
}

// addParam registers a comparison filter, "field[op]=value" ("field=value"
// for equality).
func (q *Query) addParam(field, op string, value interface{}) *Query {
	s, err := formatQueryValue(value)
	if err != nil {
		q.fail(err)
		return q
	}
	key := field
	if op != "" {
		key = field + "[" + op + "]"
	}
	q.params.Set(key, s)
	return q
}

// formatQueryValue renders a filter value as the server expects:
// numbers and bools verbatim, times as epoch milliseconds, strings
// as is.
func formatQueryValue(value interface{}) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", fmt.Errorf("nil query value")
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int8, int16, int32, int64:
		return fmt.Sprintf("%d", v), nil
	case uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v), nil
	case float32:
		return formatFloat(float64(v)), nil
	case float64:
		return formatFloat(v), nil
	case time.Time:
		return strconv.FormatInt(v.UnixMilli(), 10), nil
	case json.Number:
		return v.String(), nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		return "", fmt.Errorf("unsupported query value type %T", value)
	}
}
