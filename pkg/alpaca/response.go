package alpaca

import (
	"encoding/json"
	"fmt"
)

type baseResponse struct {
	ClientTransactionID int             `json:"ClientTransactionID"`
	ServerTransactionID int             `json:"ServerTransactionID"`
	ErrorNumber         int             `json:"ErrorNumber"`
	ErrorMessage        string          `json:"ErrorMessage"`
	Value               json.RawMessage `json:"Value,omitempty"`
}

// decodeResponse parses a JSON Alpaca response and returns its raw Value.
func decodeResponse(method string, body []byte) (json.RawMessage, error) {
	var resp baseResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("alpaca %s: decoding response: %w", method, err)
	}

	if resp.ErrorNumber != 0 {
		return nil, &Error{Method: method, Number: resp.ErrorNumber, Message: resp.ErrorMessage}
	}
	return resp.Value, nil
}

// decodeValue unmarshals a raw Value into a generic Go value. Numbers decode as
// float64, arrays as []any and objects as map[string]any.
func decodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
