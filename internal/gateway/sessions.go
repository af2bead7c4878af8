package gateway

import (
	"net/http"
	"strings"

	"github.com/floegence/flower-relay/internal/auditlog"
	"github.com/floegence/flower-relay/internal/runtime"
	"github.com/floegence/flower-relay/internal/sessionstore"
)

type sessionView struct {
	sessionstore.Session
	Active bool `json:"active"`
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	active := g.ai.ActiveSessions()
	if g.sessions == nil {
		writeOK(w, map[string]any{"sessions": []sessionView{}, "active": active})
		return
	}
	list, err := g.sessions.ListSessions(r.Context(), queryInt(r.URL.Query().Get("limit"), 0))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	live := make(map[string]bool, len(active))
	for _, id := range active {
		live[id] = true
	}
	out := make([]sessionView, 0, len(list))
	for _, s := range list {
		out = append(out, sessionView{Session: s, Active: live[s.SessionID]})
	}
	writeOK(w, map[string]any{"sessions": out, "active": active})
}

// handleSession serves /api/sessions/{id}[/action].
func (g *Gateway) handleSession(w http.ResponseWriter, r *http.Request, rest string) {
	id, action := splitResource(rest)
	if id == "" {
		writeErr(w, http.StatusNotFound, "not found")
		return
	}
	switch {
	case r.Method == http.MethodPost && action == "interrupt":
		accepted := g.ai.Interrupt(id)
		g.auditControl(r, auditlog.ActionInterrupt, id, accepted, nil)
		writeOK(w, map[string]any{"accepted": accepted})

	case r.Method == http.MethodPost && action == "answer":
		var body struct {
			Answer string `json:"answer"`
		}
		if err := readJSON(w, r, &body, true); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid json")
			return
		}
		if strings.TrimSpace(body.Answer) == "" {
			writeErr(w, http.StatusBadRequest, "missing answer")
			return
		}
		accepted := g.ai.SubmitAnswer(id, body.Answer)
		g.auditControl(r, auditlog.ActionSubmitAnswer, id, accepted, nil)
		writeOK(w, map[string]any{"accepted": accepted})

	case r.Method == http.MethodPost && action == "permission_mode":
		var body struct {
			Mode string `json:"mode"`
		}
		if err := readJSON(w, r, &body, true); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid json")
			return
		}
		mode, ok := runtime.NormalizePermissionMode(body.Mode)
		if !ok || strings.TrimSpace(body.Mode) == "" {
			writeErr(w, http.StatusBadRequest, "invalid mode")
			return
		}
		accepted := g.ai.UpdatePermissionMode(id, mode)
		g.auditControl(r, auditlog.ActionPermissionMode, id, accepted, map[string]any{"mode": mode})
		writeOK(w, map[string]any{"accepted": accepted})

	case r.Method == http.MethodGet && action == "":
		g.handleGetSession(w, r, id)

	case r.Method == http.MethodGet && action == "checkpoints":
		if g.sessions == nil {
			writeErr(w, http.StatusServiceUnavailable, "session store not configured")
			return
		}
		list, err := g.sessions.ListCheckpoints(r.Context(), id, queryInt(r.URL.Query().Get("limit"), 0))
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeOK(w, map[string]any{"checkpoints": list})

	case r.Method == http.MethodGet && action == "events":
		if g.sessions == nil {
			writeErr(w, http.StatusServiceUnavailable, "session store not configured")
			return
		}
		q := r.URL.Query()
		list, err := g.sessions.ListRunEvents(r.Context(), id, int64(queryInt(q.Get("after"), 0)), queryInt(q.Get("limit"), 0))
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeOK(w, map[string]any{"events": list})

	default:
		writeErr(w, http.StatusNotFound, "not found")
	}
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request, id string) {
	if g.sessions == nil {
		writeErr(w, http.StatusServiceUnavailable, "session store not configured")
		return
	}
	s, err := g.sessions.GetSession(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s == nil {
		writeErr(w, http.StatusNotFound, "session not found")
		return
	}
	active := false
	for _, a := range g.ai.ActiveSessions() {
		if a == id {
			active = true
			break
		}
	}
	writeOK(w, sessionView{Session: *s, Active: active})
}

func (g *Gateway) auditControl(r *http.Request, action string, sessionID string, accepted bool, detail map[string]any) {
	if g.audit == nil {
		return
	}
	g.audit.Append(auditlog.Entry{
		Action:     action,
		SessionID:  sessionID,
		RemoteAddr: r.RemoteAddr,
		Accepted:   accepted,
		Detail:     detail,
	})
}
