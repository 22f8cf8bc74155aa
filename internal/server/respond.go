package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/joseph-ayodele/sanskrit-ocr/internal/common"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := string(common.KindOf(err))
	if errors.Is(err, common.ErrNotFound) {
		kind = "NOT_FOUND"
	}
	writeJSON(w, common.HTTPStatus(err), errorResponse{Error: common.Message(err), Kind: kind})
}
