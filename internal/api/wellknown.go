package api

import "net/http"

// wellKnownManifest is the static JSON manifest for /.well-known/trustgate.json.
const wellKnownManifest = `{
  "name": "Trustgate",
  "description": "Trust-aware request gateway for paid provider calls",
  "version": "0.1.0",
  "api_base": "/api/v1",
  "auth": {
    "type": "bearer",
    "header": "Authorization"
  },
  "endpoints": {
    "providers": "/api/v1/providers?category={category}",
    "evaluate": "/api/v1/providers/{id}/evaluate",
    "feedback": "/api/v1/providers/{id}/feedback",
    "route": "/api/v1/route/{category}",
    "budgets": "/api/v1/budgets/{id}",
    "usage": "/api/v1/usage"
  },
  "weight_presets": ["default", "latency_first", "reputation_first"],
  "health": "/health"
}`

// WellKnownHandler returns the static well-known manifest.
func WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(wellKnownManifest))
}
