package api

import "net/http"

// wellKnownManifest is the static JSON manifest for /.well-known/peage.json.
const wellKnownManifest = `{
  "name": "Peage",
  "description": "Pay-per-request payments and custodial wallets for AI agents",
  "version": "0.1.0",
  "api_base": "/api/v1",
  "payment": {
    "scheme": "exact",
    "required_header": "X-Payment-Required",
    "proof_header": "X-Payment",
    "response_header": "X-Payment-Response",
    "echo_requirement": true
  },
  "endpoints": {
    "quotes": "/api/v1/quotes",
    "wallets": "/api/v1/wallets",
    "verifications": "/api/v1/verifications",
    "paid_demo": "/api/v1/paid/echo"
  },
  "health": "/health"
}`

// WellKnownHandler returns the static Peage well-known manifest.
func WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(wellKnownManifest))
}
