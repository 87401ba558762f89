package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/roach88/ridekey/internal/ir"
)

// writeBody writes a cached response body as canonical JSON, so replays are
// byte-identical to the first response.
func writeBody(w http.ResponseWriter, status int, body ir.IRObject) {
	if body == nil {
		body = ir.IRObject{}
	}
	data, err := ir.MarshalCanonical(body)
	if err != nil {
		status = http.StatusInternalServerError
		data = []byte(`{"error":"error occurred"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes the {"error": message} body clients of this API expect.
func writeError(w http.ResponseWriter, status int, message string) {
	writeBody(w, status, ir.IRObject{"error": ir.IRString(message)})
}

// writeJSON encodes v with encoding/json for read-only endpoints.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
