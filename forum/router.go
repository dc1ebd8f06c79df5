package forum

import (
	"log/slog"
)

// ConnectionHandler receives the handshake confirmation.
type ConnectionHandler interface {
	HandleConnectionEstablished(msg ConnectionEstablished)
}

// Reconciler merges pushes into the local collection. *Store satisfies
// it.
type Reconciler interface {
	ApplyNewQuestion(p Post) bool
	ApplyNewResponse(r Response) bool
	ApplyQuestionUpdate(u PostUpdate) bool
	ApplyDeleteQuestion(id string) bool
}

// Router dispatches each decoded push to exactly one handler.
type Router struct {
	conn   ConnectionHandler
	rec    Reconciler
	logger *slog.Logger
}

func NewRouter(conn ConnectionHandler, rec Reconciler, logger *slog.Logger) *Router {
	return &Router{conn: conn, rec: rec, logger: logger}
}

// Route dispatches msg. Unknown types are ignored.
func (r *Router) Route(msg Message) {
	switch m := msg.(type) {
	case ConnectionEstablished:
		r.conn.HandleConnectionEstablished(m)
	case NewQuestion:
		r.rec.ApplyNewQuestion(m.Post)
	case NewResponse:
		r.rec.ApplyNewResponse(m.Response)
	case QuestionUpdate:
		r.rec.ApplyQuestionUpdate(m.Update)
	case DeleteQuestion:
		r.rec.ApplyDeleteQuestion(m.ID)
	default:
		r.logger.Debug("ignoring message", slog.String("type", msg.Type()))
	}
}

// RouteFrame decodes one text frame and routes it. Frames that fail the
// schema check are logged and discarded; they never reach a handler.
// Returns the decoded message type, or "" for a discarded frame.
func (r *Router) RouteFrame(data []byte) string {
	msg, err := DecodeMessage(data)
	if err != nil {
		r.logger.Warn("discarding malformed frame",
			slog.String("error", err.Error()),
			slog.Int("bytes", len(data)),
		)

		return ""
	}

	r.Route(msg)

	return msg.Type()
}
