package a2a

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rayrabbit/rayrabbit/discovery"
	"github.com/rayrabbit/rayrabbit/errors"
	"github.com/rayrabbit/rayrabbit/protocol"
	"github.com/rayrabbit/rayrabbit/transport"
)

// WellKnownPath is where the coordinator's own card is published.
const WellKnownPath = "/.well-known/agent.json"

// Handler returns the HTTP surface:
//
//	GET /.well-known/agent.json   coordinator card
//	GET /agents                   all cards; ?capability= or ?q= narrow it
//	GET /agents/{id}              one card
//	GET /rpc                      WebSocket JSON-RPC
func (c *Coordinator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+WellKnownPath, c.handleWellKnown)
	mux.HandleFunc("GET /agents", c.handleAgents)
	mux.HandleFunc("GET /agents/{id}", c.handleAgent)
	mux.HandleFunc("GET /rpc", c.handleRPC)
	return mux
}

// Router returns the JSON-RPC method table served on /rpc.
func (c *Coordinator) Router() *transport.Router { return c.router }

func (c *Coordinator) handleWellKnown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.Card())
}

func (c *Coordinator) handleAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tag := q.Get("capability")

	if text := q.Get("q"); text != "" {
		limit, _ := strconv.Atoi(q.Get("limit"))
		results, err := c.Search(text, discovery.SearchOptions{Limit: limit, Capability: tag})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"results": results, "count": len(results)})
		return
	}

	var cards []protocol.Card
	if tag != "" {
		cards = c.Discover(tag)
	} else {
		cards = c.Cards()
	}
	writeJSON(w, http.StatusOK, cardsContent(cards))
}

func (c *Coordinator) handleAgent(w http.ResponseWriter, r *http.Request) {
	card, err := c.CardFor(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (c *Coordinator) handleRPC(w http.ResponseWriter, r *http.Request) {
	if err := c.Running("rpc"); err != nil {
		writeError(w, err)
		return
	}
	t, err := transport.Upgrade(w, r, transport.DefaultWebSocketConfig())
	if err != nil {
		// The upgrader has already answered.
		c.log.Debug("rpc_upgrade_failed", map[string]interface{}{"error": err.Error()})
		return
	}

	// Connections end with the peer or with the coordinator.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(c.serving(), cancel)
	defer stop()

	if err := transport.Serve(ctx, t, c.router, c.log); err != nil && ctx.Err() == nil {
		c.log.Warn("rpc_connection_failed", map[string]interface{}{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.Code(err) {
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case errors.ErrCodeInvalidState, errors.ErrCodeShuttingDown:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"error":  string(errors.Code(err)),
		"reason": err.Error(),
	})
}

// --- JSON-RPC ---

type cardParams struct {
	AgentID string `json:"agent_id"`
}

type discoverParams struct {
	Capability string `json:"capability"`
}

type searchParams struct {
	Query      string `json:"query"`
	Capability string `json:"capability"`
	Limit      int    `json:"limit"`
}

func (c *Coordinator) newRouter() *transport.Router {
	r := transport.NewRouter()

	r.Register("agent/card", func(_ context.Context, params json.RawMessage) (interface{}, error) {
		var p cardParams
		if err := transport.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.AgentID == "" {
			return c.Card(), nil
		}
		return c.CardFor(p.AgentID)
	})

	r.Register("agents/list", func(_ context.Context, _ json.RawMessage) (interface{}, error) {
		return cardsContent(c.Cards()), nil
	})

	r.Register("agents/discover", func(_ context.Context, params json.RawMessage) (interface{}, error) {
		var p discoverParams
		if err := transport.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.Capability == "" {
			return nil, errors.InvalidInput("capability is required")
		}
		return cardsContent(c.Discover(p.Capability)), nil
	})

	r.Register("agents/search", func(_ context.Context, params json.RawMessage) (interface{}, error) {
		var p searchParams
		if err := transport.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		results, err := c.Search(p.Query, discovery.SearchOptions{Limit: p.Limit, Capability: p.Capability})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"results": results, "count": len(results)}, nil
	})

	r.Register("message/send", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p protocol.SendParams
		if err := transport.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		msg, err := p.Message(c.ID())
		if err != nil {
			return nil, err
		}
		return c.Bus().SendDirect(ctx, msg)
	})

	return r
}
