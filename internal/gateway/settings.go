package gateway

import (
	"net/http"
	"strings"

	"github.com/floegence/flower-relay/internal/auditlog"
	"github.com/floegence/flower-relay/internal/config"
)

type providerView struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name,omitempty"`
	Type      string                 `json:"type"`
	BaseURL   string                 `json:"base_url,omitempty"`
	Models    []config.ProviderModel `json:"models"`
	HasAPIKey bool                   `json:"has_api_key"`
}

func (g *Gateway) providers() []config.Provider {
	if g.runtime == nil {
		return nil
	}
	return g.runtime.Providers
}

func (g *Gateway) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers := g.providers()
	ids := make([]string, 0, len(providers))
	for _, p := range providers {
		ids = append(ids, p.ID)
	}
	status := map[string]bool{}
	if g.keys != nil && len(ids) > 0 {
		st, err := g.keys.ProviderKeyStatus(ids)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		status = st
	}
	out := make([]providerView, 0, len(providers))
	for _, p := range providers {
		models := p.Models
		if models == nil {
			models = []config.ProviderModel{}
		}
		out = append(out, providerView{
			ID:        p.ID,
			Name:      p.Name,
			Type:      p.Type,
			BaseURL:   p.BaseURL,
			Models:    models,
			HasAPIKey: status[p.ID],
		})
	}
	writeOK(w, map[string]any{"driver": g.runtime.EffectiveDriver(), "providers": out})
}

// handleProvider serves PUT /api/settings/providers/{id}/api_key. A null or
// empty api_key clears the stored key.
func (g *Gateway) handleProvider(w http.ResponseWriter, r *http.Request, rest string) {
	id, action := splitResource(rest)
	if r.Method != http.MethodPut || action != "api_key" || id == "" {
		writeErr(w, http.StatusNotFound, "not found")
		return
	}
	if g.keys == nil {
		writeErr(w, http.StatusServiceUnavailable, "secrets store not configured")
		return
	}
	known := false
	for _, p := range g.providers() {
		if strings.TrimSpace(p.ID) == id {
			known = true
			break
		}
	}
	if !known {
		writeErr(w, http.StatusNotFound, "unknown provider")
		return
	}

	var body struct {
		APIKey *string `json:"api_key"`
	}
	if err := readJSON(w, r, &body, true); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	key := body.APIKey
	if key != nil && strings.TrimSpace(*key) == "" {
		key = nil
	}
	cleared := key == nil
	if err := g.keys.SetProviderAPIKey(id, key); err != nil {
		if g.audit != nil {
			g.audit.Append(auditlog.Entry{
				Action:     auditlog.ActionProviderKeyUpdate,
				RemoteAddr: r.RemoteAddr,
				Error:      err.Error(),
				Detail:     map[string]any{"provider_id": id, "cleared": cleared},
			})
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if g.audit != nil {
		g.audit.Append(auditlog.Entry{
			Action:     auditlog.ActionProviderKeyUpdate,
			RemoteAddr: r.RemoteAddr,
			Accepted:   true,
			Detail:     map[string]any{"provider_id": id, "cleared": cleared},
		})
	}
	writeOK(w, map[string]any{"provider_id": id, "has_api_key": !cleared})
}
