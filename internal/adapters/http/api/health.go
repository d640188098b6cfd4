package api

import "net/http"

// HandleHealth handles GET /healthz requests.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
