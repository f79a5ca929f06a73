package api

import (
	"net/http"
	"time"

	"github.com/crmquery/crmquery/internal/config"
)

type modelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelsResponse struct {
	Object string      `json:"object"`
	Data   []modelInfo `json:"data"`
}

func handleListModels(cfg config.Config, w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, modelsResponse{
		Object: "list",
		Data: []modelInfo{{
			ID:      cfg.Service.ModelID,
			Object:  "model",
			Created: time.Now().Unix(),
			OwnedBy: cfg.Service.Name,
		}},
	})
}
