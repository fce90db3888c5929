package proxy

import (
	"encoding/json"
	"net/http"
)

// Models served through the Codex backend. The upstream has no listing
// endpoint, so this is a static catalogue.
var knownModels = []string{
	"gpt-5",
	"gpt-5-codex",
	"codex-mini-latest",
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// HandleModels serves GET /v1/models.
func (p *Pipeline) HandleModels(w http.ResponseWriter, _ *http.Request) {
	list := modelList{Object: "list", Data: make([]modelEntry, 0, len(knownModels))}
	for _, id := range knownModels {
		list.Data = append(list.Data, modelEntry{ID: id, Object: "model", OwnedBy: "openai"})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}
