package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/halcyon-voice/speechbridge/pkg/gateway/creds"
)

// CredentialStatus is the read-only view the debug endpoint needs.
// *creds.Refresher satisfies it.
type CredentialStatus interface {
	Status() creds.Status
}

// CredentialsHandler serves the redacted credential state. The Status type
// carries no key material, so nothing secret can leak through here.
type CredentialsHandler struct {
	Refresher CredentialStatus
}

func (h CredentialsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st := creds.Status{Source: creds.SourceNone}
	if h.Refresher != nil {
		st = h.Refresher.Status()
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(st)
}
