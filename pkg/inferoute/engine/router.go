package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/castilho/inferoute/pkg/inferoute/store"
)

// Request is the work unit handed to a handler.
type Request struct {
	Message        *store.Message
	Thread         []*store.Message
	Classification Classification
	RunID          string
	Progress       ProgressFunc

	// GroupKey optionally pins the retrieval namespace; when empty the
	// chat handler derives one from the topic.
	GroupKey string
}

// Response is a handler's structured result.
type Response struct {
	Content  string
	Provider string
	Model    string
	Usage    Usage
	Metadata map[string]any
}

// Handler is a pluggable generation strategy.
type Handler interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
	HandleStream(ctx context.Context, req *Request, onChunk StreamCallback) (*Response, error)
}

// Router maps intents to handlers. The registry is fixed at composition
// time; handler identity is the closed Intent set, not free-form strings.
type Router struct {
	handlers map[Intent]Handler
	logger   *slog.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		handlers: make(map[Intent]Handler),
		logger:   logger.With("component", "router"),
	}
}

// Register binds a handler to an intent. Later registrations replace
// earlier ones.
func (r *Router) Register(intent Intent, h Handler) {
	r.handlers[intent] = h
}

// Route executes the handler for the classified intent. A failing non-chat
// handler gets exactly one fallback re-invocation of the chat handler with
// identical arguments; a chat failure, or a failed fallback, propagates.
func (r *Router) Route(ctx context.Context, req *Request) (*Response, error) {
	return r.route(ctx, req, func(h Handler) (*Response, error) {
		return h.Handle(ctx, req)
	})
}

// RouteStream is Route for the streaming path.
func (r *Router) RouteStream(ctx context.Context, req *Request, onChunk StreamCallback) (*Response, error) {
	return r.route(ctx, req, func(h Handler) (*Response, error) {
		return h.HandleStream(ctx, req, onChunk)
	})
}

func (r *Router) route(ctx context.Context, req *Request, invoke func(Handler) (*Response, error)) (*Response, error) {
	intent := req.Classification.Intent()

	h, ok := r.handlers[intent]
	if !ok {
		// Unregistered intents are a wiring gap, not a user error.
		r.logger.Warn("no handler registered, using chat",
			"intent", intent.String(), "topic", req.Classification.Topic)
		intent = IntentChat
		h, ok = r.handlers[IntentChat]
		if !ok {
			return nil, fmt.Errorf("no chat handler registered")
		}
	}

	resp, err := invoke(h)
	if err == nil {
		return resp, nil
	}
	if intent == IntentChat {
		return nil, &HandlerError{Intent: intent, Err: err}
	}

	// Single-level fallback, never a loop.
	r.logger.Error("handler failed, falling back to chat",
		"intent", intent.String(),
		"message", req.Message.ID,
		"user", req.Message.OwnerID,
		"error", err,
	)
	chat, ok := r.handlers[IntentChat]
	if !ok {
		return nil, &HandlerError{Intent: intent, Err: err}
	}
	resp, fbErr := invoke(chat)
	if fbErr != nil {
		return nil, &HandlerError{Intent: IntentChat, Err: fbErr}
	}
	return resp, nil
}
