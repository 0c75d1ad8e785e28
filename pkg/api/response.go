package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
)

// Global transaction counter
var txCounter atomic.Int32

type baseResponse struct {
	ClientTransactionID int    `json:"ClientTransactionID"`
	ServerTransactionID int    `json:"ServerTransactionID"`
	ErrorNumber         int    `json:"ErrorNumber"`
	ErrorMessage        string `json:"ErrorMessage"`
	Value               any    `json:"Value,omitempty"`
}

// Helper to read and parse the request body as URL-encoded data.
func parseBodyParams(r *http.Request) (url.Values, error) {
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	// Reset the body so it can be read again later.
	r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	return url.ParseQuery(string(bodyBytes))
}

func requestParams(r *http.Request) url.Values {
	if r.Method == http.MethodPut {
		// PUT requests have the parameters in the body.
		params, _ := parseBodyParams(r)
		return params
	}
	// GET requests have the parameters in the URL.
	return r.URL.Query()
}

// getClientTxID obtains the client transaction ID. A missing ID is zero.
func getClientTxID(params url.Values) (int, error) {
	for param, value := range params {
		if strings.EqualFold(param, "clienttransactionid") {
			id, err := strconv.Atoi(value[0])
			if err != nil || id < 0 {
				return 0, errors.New("ClientTransactionID must be a non-negative integer")
			}
			return id, nil
		}
	}
	return 0, nil
}

func writeResponse(w http.ResponseWriter, r *http.Request, response baseResponse) {
	txID, err := getClientTxID(requestParams(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	response.ServerTransactionID = int(txCounter.Add(1))
	response.ClientTransactionID = txID
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func handleResponse(w http.ResponseWriter, r *http.Request, value any) {
	writeResponse(w, r, baseResponse{Value: value})
}

func handleError(w http.ResponseWriter, r *http.Request, code int, message string) {
	writeResponse(w, r, baseResponse{ErrorNumber: code, ErrorMessage: message})
}

// handleDriverError reports err with the error number matching its kind.
func handleDriverError(w http.ResponseWriter, r *http.Request, err error) {
	handleError(w, r, errorNumber(err), err.Error())
}

// handleMgm adapts a management endpoint returning a value.
func handleMgm(fn func(r *http.Request) (any, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		value, err := fn(r)
		if err != nil {
			handleDriverError(w, r, err)
			return
		}
		handleResponse(w, r, value)
	})
}

// parseRequest reads a field from the request, matching its name without
// regard to case.
func parseRequest(r *http.Request, field string) (string, error) {
	for param, value := range requestParams(r) {
		if strings.EqualFold(param, field) {
			return value[0], nil
		}
	}
	return "", errors.New("missing field " + field)
}

func parseBoolRequest(r *http.Request, field string) (bool, error) {
	value, err := parseRequest(r, field)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(value)
}
