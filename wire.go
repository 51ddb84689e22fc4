package stackmob

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// loginResponse is the body of the accessToken and refreshToken
// endpoints. The logged-in user object rides along under the vendor
// key.
type loginResponse struct {
	AccessToken  string `json:"access_token"`
	MACKey       string `json:"mac_key"`
	MACAlgorithm string `json:"mac_algorithm"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Stackmob     struct {
		User json.RawMessage `json:"user"`
	} `json:"stackmob"`
}

// RangeInfo describes the slice of a query result set, parsed from the
// Content-Range response header ("objects start-end/total"). Total is
// -1 when the server reports "*" (count unknown or suppressed).
type RangeInfo struct {
	// Start is the zero-based index of the first returned object
	Start int
	// End is the zero-based index of the last returned object
	End int
	// Total is the size of the full result set, or -1 if unknown
	Total int64
}

// parseContentRange parses "objects 0-9/42" (or "objects */42" for
// empty ranges). An empty header yields nil, not an error: the server
// omits it when the whole result set was returned.
func parseContentRange(header string) (*RangeInfo, error) {
	if header == "" {
		return nil, nil
	}
	rest, ok := strings.CutPrefix(header, "objects ")
	if !ok {
		return nil, fmt.Errorf("%w: malformed Content-Range %q", ErrInvalidResponse, header)
	}
	rangePart, totalPart, ok := strings.Cut(rest, "/")
	if !ok {
		return nil, fmt.Errorf("%w: malformed Content-Range %q", ErrInvalidResponse, header)
	}

	info := &RangeInfo{Start: -1, End: -1, Total: -1}

	if totalPart != "*" {
		total, err := strconv.ParseInt(totalPart, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed Content-Range total %q", ErrInvalidResponse, header)
		}
		info.Total = total
	}

	if rangePart != "*" {
		startStr, endStr, ok := strings.Cut(rangePart, "-")
		if !ok {
			return nil, fmt.Errorf("%w: malformed Content-Range span %q", ErrInvalidResponse, header)
		}
		start, err := strconv.Atoi(startStr)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed Content-Range span %q", ErrInvalidResponse, header)
		}
		end, err := strconv.Atoi(endStr)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed Content-Range span %q", ErrInvalidResponse, header)
		}
		info.Start, info.End = start, end
	}

	return info, nil
}

// serialize converts a Go value to json.RawMessage for the request
// body. json.RawMessage values pass through; strings that already are
// valid JSON are used verbatim.
func serialize(value interface{}) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}

	if str, ok := value.(string); ok {
		var probe interface{}
		if err := json.Unmarshal([]byte(str), &probe); err == nil {
			return json.RawMessage(str), nil
		}
	}

	if err := validateSerializable(value); err != nil {
		return nil, fmt.Errorf("value is not serializable: %w", err)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize value: %w", err)
	}
	return json.RawMessage(data), nil
}

// validateSerializable checks up front that a value can be serialized,
// giving better error messages than a deep json.Marshal failure.
func validateSerializable(value interface{}) error {
	if value == nil {
		return nil
	}

	switch value.(type) {
	case bool, string, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, time.Time,
		[]byte, json.RawMessage:
		return nil
	}

	_, err := json.Marshal(value)
	return err
}

// deserialize converts json.RawMessage into the target, which must be
// a pointer. *json.RawMessage targets get a direct assignment.
func deserialize(data json.RawMessage, target interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("empty data")
	}

	if raw, ok := target.(*json.RawMessage); ok {
		*raw = data
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to deserialize value: %w", err)
	}
	return nil
}

// parseAPIError parses an error response body into an APIError, falling
// back to the raw body as the message when the body is not the
// platform's {"error": ...} shape.
func parseAPIError(statusCode int, body []byte) error {
	if len(body) == 0 {
		return &APIError{
			StatusCode: statusCode,
			Message:    fmt.Sprintf("HTTP %d error", statusCode),
		}
	}

	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Message == "" {
		return &APIError{
			StatusCode: statusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}

	apiErr.StatusCode = statusCode
	return &apiErr
}
