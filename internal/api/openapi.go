package api

import "net/http"

type route struct {
	method  string
	path    string
	summary string
	public  bool
	codes   map[string]string
}

var documentedRoutes = []route{
	{method: "get", path: "/healthz", summary: "Liveness and ready batch count", public: true,
		codes: map[string]string{"200": "OK"}},
	{method: "get", path: "/metrics", summary: "Prometheus metrics", public: true,
		codes: map[string]string{"200": "OK"}},
	{method: "get", path: "/batches", summary: "List batches in an area (queued, failed, finished)",
		codes: map[string]string{"200": "OK", "400": "Unknown area"}},
	{method: "post", path: "/batches", summary: "Enqueue a prepared batch directory",
		codes: map[string]string{"202": "Batch queued", "400": "Bad request", "422": "Invalid batch"}},
	{method: "get", path: "/supervisor", summary: "Supervisor status",
		codes: map[string]string{"200": "OK"}},
	{method: "post", path: "/supervisor/pause", summary: "Stop dequeuing and halt the active task",
		codes: map[string]string{"200": "Paused"}},
	{method: "post", path: "/supervisor/resume", summary: "Resume dequeuing",
		codes: map[string]string{"200": "Resumed"}},
	{method: "get", path: "/events", summary: "Stream add, move, remove and reorder notifications (SSE)",
		codes: map[string]string{"200": "Event stream"}},
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the operator API.
func buildOpenAPIDoc() map[string]any {
	paths := map[string]any{}
	for _, rt := range documentedRoutes {
		responses := map[string]any{}
		for code, desc := range rt.codes {
			responses[code] = map[string]any{"description": desc}
		}
		if !rt.public {
			responses["401"] = map[string]any{"description": "Missing or invalid API key"}
		}
		op := map[string]any{
			"summary":   rt.summary,
			"responses": responses,
		}
		if !rt.public {
			op["security"] = []any{map[string]any{"BearerAuth": []string{}}}
		}
		item, _ := paths[rt.path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[rt.path] = item
		}
		item[rt.method] = op
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Accession operator API",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}
