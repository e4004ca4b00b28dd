package handler

import (
	"encoding/json"
	"net/http"
	"time"
)

// Error kinds returned to machine callers alongside the HTTP status.
const (
	KindValidation = "validation"
	KindNotFound   = "not_found"
	KindSignature  = "signature"
	KindGateway    = "gateway"
	KindInternal   = "internal"
)

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Kind: kind, Message: message}})
}

// epochMillis converts a time pointer to the wire representation: epoch
// milliseconds, or nil when no instant is set.
func epochMillis(at *time.Time) *int64 {
	if at == nil {
		return nil
	}
	ms := at.UnixMilli()
	return &ms
}
