package bad

import "net/http"

func SubmitJob(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusInternalServerError) // want "use writeError helper"
}

func CancelJob(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "boom", http.StatusBadGateway) // want "use writeError helper"
}
