package good

import "net/http"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
}

func writeError(w http.ResponseWriter, err error) {
	w.WriteHeader(http.StatusBadRequest)
}

func GetJob(w http.ResponseWriter, r *http.Request) {
	writeError(w, nil)
	writeJSON(w, http.StatusOK, nil)
}
