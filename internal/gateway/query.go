package gateway

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/floegence/flower-relay/internal/ai"
	"github.com/floegence/flower-relay/internal/stream"
)

// statusForRunError maps a pre-run failure to an HTTP status.
func statusForRunError(err error) int {
	switch {
	case errors.Is(err, ai.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ai.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, ai.ErrRuntimeUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// lazySSE opens the event stream on the first record, so failures that
// happen before a run starts can still be answered with a JSON status.
type lazySSE struct {
	w http.ResponseWriter

	mu  sync.Mutex
	sse *stream.SSEWriter
	err error
}

func (l *lazySSE) Send(rec stream.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sse == nil {
		if l.err != nil {
			return l.err
		}
		sse, err := stream.NewSSEWriter(l.w)
		if err != nil {
			l.err = err
			return err
		}
		l.sse = sse
	}
	return l.sse.Send(rec)
}

func (l *lazySSE) ping() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sse != nil {
		_ = l.sse.Comment("keepalive")
	}
}

func (l *lazySSE) started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sse != nil
}

func (g *Gateway) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	var req ai.QueryRequest
	if err := readJSON(w, r, &req, false); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	sink := &lazySSE{w: w}
	stop := make(chan struct{})
	go func() {
		t := time.NewTicker(g.keepalive)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				sink.ping()
			}
		}
	}()
	err := g.ai.StreamQuery(r.Context(), req, sink)
	close(stop)

	if err == nil {
		return
	}
	if sink.started() {
		g.log.Warn("stream query failed after start", "session_id", req.SessionID, "error", err)
		return
	}
	writeErr(w, statusForRunError(err), err.Error())
}

func (g *Gateway) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req ai.QueryRequest
	if err := readJSON(w, r, &req, false); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	resp, err := g.ai.Query(r.Context(), req)
	if err != nil {
		writeErr(w, statusForRunError(err), err.Error())
		return
	}
	if resp.Error != nil {
		status := http.StatusBadGateway
		if resp.Error.Code == ai.CodePromptRejected {
			status = http.StatusForbidden
		}
		writeJSON(w, status, apiResp{OK: false, Error: resp.Error.Message, Data: resp})
		return
	}
	writeOK(w, resp)
}
