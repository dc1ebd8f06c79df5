package forum

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/forum-sync/internal/errors"
	"github.com/tidwall/gjson"
)

// Message is a decoded server push. The concrete types below are the
// only implementations; consumers switch on them.
type Message interface {
	Type() string
	isMessage()
}

// ConnectionEstablished confirms the handshake.
type ConnectionEstablished struct {
	IsModerator bool
}

// NewQuestion announces a created post.
type NewQuestion struct {
	Post Post
}

// NewResponse announces a response added to a post.
type NewResponse struct {
	Response Response
}

// QuestionUpdate carries the new mutable fields of a post.
type QuestionUpdate struct {
	Update PostUpdate
}

// DeleteQuestion announces a removed post.
type DeleteQuestion struct {
	ID string
}

// UnknownMessage is a well-formed frame with a type this client does
// not handle.
type UnknownMessage struct {
	Kind string
}

func (ConnectionEstablished) Type() string { return TypeConnectionEstablished }
func (NewQuestion) Type() string           { return TypeNewQuestion }
func (NewResponse) Type() string           { return TypeNewResponse }
func (QuestionUpdate) Type() string        { return TypeQuestionUpdate }
func (DeleteQuestion) Type() string        { return TypeDeleteQuestion }
func (m UnknownMessage) Type() string      { return m.Kind }

func (ConnectionEstablished) isMessage() {}
func (NewQuestion) isMessage()           {}
func (NewResponse) isMessage()           {}
func (QuestionUpdate) isMessage()        {}
func (DeleteQuestion) isMessage()        {}
func (UnknownMessage) isMessage()        {}

func invalidFrame(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperrors.ErrInvalidFrame, fmt.Sprintf(format, args...))
}

// DecodeMessage validates one text frame against the push schema and
// returns its typed form. Required fields are checked with gjson before
// the payload is unmarshalled, so a frame that decodes here is safe to
// reconcile.
func DecodeMessage(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, invalidFrame("not valid JSON")
	}

	typ := gjson.GetBytes(data, "type")
	if typ.Type != gjson.String || typ.Str == "" {
		return nil, invalidFrame("missing type")
	}

	payload := gjson.GetBytes(data, "data")

	switch typ.Str {
	case TypeConnectionEstablished:
		return decodeConnectionEstablished(payload)
	case TypeNewQuestion:
		return decodeNewQuestion(payload)
	case TypeNewResponse:
		return decodeNewResponse(payload)
	case TypeQuestionUpdate:
		return decodeQuestionUpdate(payload)
	case TypeDeleteQuestion:
		if err := requireString(payload, "id"); err != nil {
			return nil, err
		}

		return DeleteQuestion{ID: payload.Get("id").Str}, nil
	default:
		return UnknownMessage{Kind: typ.Str}, nil
	}
}

func requireObject(payload gjson.Result) error {
	if !payload.IsObject() {
		return invalidFrame("data is not an object")
	}

	return nil
}

// requireString checks that field is a non-empty string in payload.
func requireString(payload gjson.Result, field string) error {
	if err := requireObject(payload); err != nil {
		return err
	}

	v := payload.Get(field)
	if v.Type != gjson.String || v.Str == "" {
		return invalidFrame("data.%s must be a non-empty string", field)
	}

	return nil
}

func decodeConnectionEstablished(payload gjson.Result) (Message, error) {
	if err := requireObject(payload); err != nil {
		return nil, err
	}

	mod := payload.Get("is_moderator")
	if mod.Exists() && !mod.IsBool() {
		return nil, invalidFrame("data.is_moderator must be a boolean")
	}

	return ConnectionEstablished{IsModerator: mod.Bool()}, nil
}

func decodeNewQuestion(payload gjson.Result) (Message, error) {
	for _, f := range []string{"id", "title"} {
		if err := requireString(payload, f); err != nil {
			return nil, err
		}
	}

	var p Post
	if err := json.Unmarshal([]byte(payload.Raw), &p); err != nil {
		return nil, invalidFrame("decoding post: %v", err)
	}

	p.normalize()

	return NewQuestion{Post: p}, nil
}

func decodeNewResponse(payload gjson.Result) (Message, error) {
	for _, f := range []string{"id", "postId", "content"} {
		if err := requireString(payload, f); err != nil {
			return nil, err
		}
	}

	var r Response
	if err := json.Unmarshal([]byte(payload.Raw), &r); err != nil {
		return nil, invalidFrame("decoding response: %v", err)
	}

	return NewResponse{Response: r}, nil
}

// questionUpdatePayload mirrors Post with pointer fields so absent keys
// can be told apart from empty values.
type questionUpdatePayload struct {
	ID        string     `json:"id"`
	Title     *string    `json:"title"`
	Content   *string    `json:"content"`
	Status    *Status    `json:"status"`
	UpdatedAt *time.Time `json:"updatedAt"`
}

func decodeQuestionUpdate(payload gjson.Result) (Message, error) {
	if err := requireString(payload, "id"); err != nil {
		return nil, err
	}

	var raw questionUpdatePayload
	if err := json.Unmarshal([]byte(payload.Raw), &raw); err != nil {
		return nil, invalidFrame("decoding post update: %v", err)
	}

	// An explicit null content clears it; a missing key leaves it alone.
	if c := payload.Get("content"); c.Exists() && c.Type == gjson.Null {
		empty := ""
		raw.Content = &empty
	}

	// A title is never blanked by an update.
	if raw.Title != nil && *raw.Title == "" {
		raw.Title = nil
	}

	if raw.Status != nil && *raw.Status == "" {
		raw.Status = nil
	}

	return QuestionUpdate{Update: PostUpdate{
		ID:        raw.ID,
		Title:     raw.Title,
		Content:   raw.Content,
		Status:    raw.Status,
		UpdatedAt: raw.UpdatedAt,
	}}, nil
}

// EncodeMessage builds the wire frame for a push. The hub uses it to
// broadcast and tests use it to script servers.
func EncodeMessage(typ string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s payload: %w", typ, err)
	}

	return json.Marshal(Envelope{Type: typ, Data: raw})
}
