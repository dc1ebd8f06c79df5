package forum

import (
	"encoding/json"
	"slices"
	"time"
)

// Status is the moderation status of a post. Values outside the three
// known constants are preserved as received.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusAnswered  Status = "ANSWERED"
	StatusEscalated Status = "ESCALATED"
)

// Author is a snapshot of the post or response author at write time.
type Author struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Post is a question thread. Responses are ordered newest first.
type Post struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Author    *Author    `json:"author"`
	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	Responses []Response `json:"responses"`
}

// Response is a reply attached to a post.
type Response struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Author    *Author   `json:"author"`
	PostID    string    `json:"postId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of p. Author snapshots are copied too, so
// callers outside the store can never alias store memory.
func (p Post) Clone() Post {
	if p.Author != nil {
		a := *p.Author
		p.Author = &a
	}

	p.Responses = slices.Clone(p.Responses)
	for i := range p.Responses {
		p.Responses[i] = p.Responses[i].clone()
	}

	return p
}

func (r Response) clone() Response {
	if r.Author != nil {
		a := *r.Author
		r.Author = &a
	}

	return r
}

// HasResponse reports whether a response with the given ID is attached.
func (p *Post) HasResponse(id string) bool {
	return slices.ContainsFunc(p.Responses, func(r Response) bool { return r.ID == id })
}

// normalize enforces the post invariants on data received from outside:
// default status, every response owned by this post, no duplicate
// response IDs.
func (p *Post) normalize() {
	if p.Status == "" {
		p.Status = StatusPending
	}

	seen := make(map[string]struct{}, len(p.Responses))
	kept := p.Responses[:0]

	for _, r := range p.Responses {
		if r.PostID == "" {
			r.PostID = p.ID
		}

		if r.PostID != p.ID {
			continue
		}

		if _, dup := seen[r.ID]; dup {
			continue
		}

		seen[r.ID] = struct{}{}
		kept = append(kept, r)
	}

	p.Responses = kept
}

// PostUpdate carries the mutable fields of a question_update payload.
// Nil fields were absent from the payload and keep their local value.
type PostUpdate struct {
	ID        string
	Title     *string
	Content   *string
	Status    *Status
	UpdatedAt *time.Time
}

// WebSocket message types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeNewQuestion           = "new_question"
	TypeNewResponse           = "new_response"
	TypeQuestionUpdate        = "question_update"
	TypeDeleteQuestion        = "delete_question"
	TypeError                 = "error"
)

// HandshakeMessage is the first frame the client sends after the
// connection opens.
type HandshakeMessage struct {
	Token string `json:"token"`
}

// Envelope is the outer shape of every server push.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ConnectionEstablishedData is the payload of connection_established.
type ConnectionEstablishedData struct {
	Status      string `json:"status,omitempty"`
	IsModerator bool   `json:"is_moderator"`
}

// DeleteQuestionData is the payload of delete_question.
type DeleteQuestionData struct {
	ID string `json:"id"`
}

// ErrorData is the payload of an error frame from the hub.
type ErrorData struct {
	Message string `json:"message"`
}

// HTTP write layer types.

// CreatePostRequest is the body of POST /api/post.
type CreatePostRequest struct {
	Title   string `json:"title"`
	Content string `json:"content,omitempty"`
}

// UpdatePostRequest is the body of PUT /api/post/{id}. Nil fields are
// omitted so the server leaves them unchanged.
type UpdatePostRequest struct {
	Title   *string `json:"title,omitempty"`
	Content *string `json:"content,omitempty"`
	Status  *Status `json:"status,omitempty"`
}

// CreateResponseRequest is the body of POST /api/responses.
type CreateResponseRequest struct {
	Content string `json:"content"`
	PostID  string `json:"postId"`
}

// APIError is the error body returned by the forum API.
type APIError struct {
	Message string `json:"message"`
}
