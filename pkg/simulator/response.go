package simulator

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"skyconsole/pkg/alpaca"
)

// Global transaction counter
var serverTx atomic.Uint32

type response struct {
	ClientTransactionID uint32 `json:"ClientTransactionID"`
	ServerTransactionID uint32 `json:"ServerTransactionID"`
	ErrorNumber         int    `json:"ErrorNumber"`
	ErrorMessage        string `json:"ErrorMessage"`
	Value               any    `json:"Value,omitempty"`
}

// Request holds the parameters of one Alpaca call. Parameter names are
// case-insensitive.
type Request struct {
	method   string
	params   map[string]string
	clientTx uint32
}

// parseRequest reads GET parameters from the query string and PUT
// parameters from the form body. A missing ClientTransactionID is treated as
// zero, a malformed one is rejected.
func parseRequest(r *http.Request) (*Request, error) {
	var values url.Values
	if r.Method == http.MethodPut {
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("error parsing form: %v", err)
		}
		values = r.PostForm
	} else {
		values = r.URL.Query()
	}

	req := &Request{
		method: strings.ToLower(r.PathValue("method")),
		params: make(map[string]string, len(values)),
	}
	for k, v := range values {
		if len(v) > 0 {
			req.params[strings.ToLower(k)] = v[0]
		}
	}

	if s, ok := req.params["clienttransactionid"]; ok {
		id, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid ClientTransactionID %q", s)
		}
		req.clientTx = uint32(id)
	}
	return req, nil
}

func (r *Request) String(name string) (string, error) {
	v, ok := r.params[strings.ToLower(name)]
	if !ok {
		return "", fmt.Errorf("%w: missing parameter %s", alpaca.ErrInvalidValue, name)
	}
	return v, nil
}

func (r *Request) Float(name string) (float64, error) {
	s, err := r.String(name)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", alpaca.ErrInvalidValue, name, s)
	}
	return f, nil
}

func (r *Request) Int(name string) (int, error) {
	s, err := r.String(name)
	if err != nil {
		return 0, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", alpaca.ErrInvalidValue, name, s)
	}
	return i, nil
}

func (r *Request) Bool(name string) (bool, error) {
	s, err := r.String(name)
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q", alpaca.ErrInvalidValue, name, s)
	}
	return b, nil
}

// errorNumber maps a driver error onto the ASCOM error number reported to
// the client.
func errorNumber(err error) int {
	var aerr *alpaca.Error
	switch {
	case errors.As(err, &aerr):
		return aerr.Number
	case errors.Is(err, alpaca.ErrNotConnected):
		return alpaca.CodeNotConnected
	case errors.Is(err, alpaca.ErrPropertyNotImplemented):
		return alpaca.CodeNotImplemented
	case errors.Is(err, alpaca.ErrInvalidValue):
		return alpaca.CodeInvalidValue
	case errors.Is(err, alpaca.ErrInvalidOperation):
		return alpaca.CodeInvalidOperation
	}
	return alpaca.CodeUnspecified
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handle wraps a call returning a value or an error into an Alpaca JSON
// response.
func handle(fn func(*Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := parseRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		value, err := fn(req)
		resp := response{
			ClientTransactionID: req.clientTx,
			ServerTransactionID: serverTx.Add(1),
		}
		if err != nil {
			resp.ErrorNumber = errorNumber(err)
			resp.ErrorMessage = err.Error()
		} else {
			resp.Value = value
		}
		writeJSON(w, resp)
	}
}
