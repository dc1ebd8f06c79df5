// Package mcpserver registers MCP tools that expose the reconciled
// forum view and the moderation actions. It adapts the forum package to
// the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alexjbarnes/forum-sync/forum"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// StatusReporter reports the connection state. *forum.SyncClient
// satisfies it.
type StatusReporter interface {
	State() forum.ConnectionState
}

// Actions are the optimistic moderation actions. *forum.Coordinator
// satisfies it.
type Actions interface {
	SetStatus(ctx context.Context, id string, status forum.Status) error
	Delete(ctx context.Context, id string) error
}

// Remote is the forum API. *forum.Client satisfies it. Created posts
// and responses are not added to the store here: the hub echoes them
// back and the idempotent merge picks them up.
type Remote interface {
	GetPost(ctx context.Context, id string) (*forum.Post, error)
	CreatePost(ctx context.Context, req forum.CreatePostRequest) (*forum.Post, error)
	CreateResponse(ctx context.Context, req forum.CreateResponseRequest) (*forum.Response, error)
}

// Deps holds what the tools read from and act through.
type Deps struct {
	Store   *forum.Store
	Status  StatusReporter
	Actions Actions
	Remote  Remote
}

// RegisterTools adds all forum tools to the given MCP server.
func RegisterTools(server *mcp.Server, d Deps) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "forum_list_posts",
		Description: "List posts in display order: escalated first, then pending, then answered, newest first within each. Optional status filter. No content or responses.",
	}, listHandler(d.Store))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "forum_get_post",
		Description: "Get one post with its content and responses, newest response first. Falls back to the forum API for posts not yet received.",
	}, getHandler(d.Store, d.Remote))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "forum_search_posts",
		Description: "Case-insensitive search across post titles, content, and responses. Returns matching posts with context snippets.",
	}, searchHandler(d.Store))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "forum_connection_status",
		Description: "Report the realtime connection phase, the moderator flag, and the last message received.",
	}, connectionStatusHandler(d.Status, d.Store))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "forum_set_status",
		Description: "Set a post's status to PENDING, ANSWERED, or ESCALATED. Applied locally at once and rolled back if the forum API rejects it.",
	}, setStatusHandler(d.Actions))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "forum_delete_post",
		Description: "Delete a post. Removed locally at once and restored if the forum API rejects it.",
	}, deleteHandler(d.Actions))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "forum_create_post",
		Description: "Ask a new question. It appears in the list once the realtime hub delivers it.",
	}, createPostHandler(d.Remote))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "forum_add_response",
		Description: "Add a response to a post. A pending post becomes answered once the response is delivered.",
	}, addResponseHandler(d.Store, d.Remote))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// ListInput holds parameters for forum_list_posts.
type ListInput struct {
	Status string `json:"status,omitempty" jsonschema:"only posts with this status (PENDING, ANSWERED, ESCALATED)"`
}

// GetInput holds parameters for forum_get_post.
type GetInput struct {
	ID string `json:"id" jsonschema:"required,post ID"`
}

// SearchInput holds parameters for forum_search_posts.
type SearchInput struct {
	Query      string `json:"query" jsonschema:"required,search query"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"maximum number of results, defaults to 20"`
}

// ConnectionStatusInput has no parameters.
type ConnectionStatusInput struct{}

// SetStatusInput holds parameters for forum_set_status.
type SetStatusInput struct {
	ID     string `json:"id" jsonschema:"required,post ID"`
	Status string `json:"status" jsonschema:"required,new status: PENDING, ANSWERED, or ESCALATED"`
}

// DeleteInput holds parameters for forum_delete_post.
type DeleteInput struct {
	ID string `json:"id" jsonschema:"required,post ID"`
}

// CreatePostInput holds parameters for forum_create_post.
type CreatePostInput struct {
	Title   string `json:"title" jsonschema:"required,question title"`
	Content string `json:"content,omitempty" jsonschema:"question body"`
}

// AddResponseInput holds parameters for forum_add_response.
type AddResponseInput struct {
	PostID  string `json:"post_id" jsonschema:"required,post ID"`
	Content string `json:"content" jsonschema:"required,response text"`
}

// --- Output types ---

// PostSummary is one row of the list view.
type PostSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	Author    string `json:"author,omitempty"`
	CreatedAt string `json:"created_at"`
	Responses int    `json:"responses"`
}

// ListResult is the response for forum_list_posts.
type ListResult struct {
	Total int           `json:"total"`
	Posts []PostSummary `json:"posts"`
}

// ResponseDetail is one response in the detail view.
type ResponseDetail struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Author    string `json:"author,omitempty"`
	CreatedAt string `json:"created_at"`
}

// PostDetail is the response for forum_get_post.
type PostDetail struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Content   string           `json:"content"`
	Status    string           `json:"status"`
	Author    string           `json:"author,omitempty"`
	CreatedAt string           `json:"created_at"`
	UpdatedAt string           `json:"updated_at"`
	Responses []ResponseDetail `json:"responses"`
}

// StatusResult is the response for forum_connection_status.
type StatusResult struct {
	Phase           string `json:"phase"`
	IsModerator     bool   `json:"is_moderator"`
	ConnectedAt     string `json:"connected_at,omitempty"`
	LastMessageType string `json:"last_message_type,omitempty"`
	LastMessageAt   string `json:"last_message_at,omitempty"`
	Posts           int    `json:"posts"`
}

// ActionResult is the response for the moderation actions and for
// created posts and responses.
type ActionResult struct {
	ID      string `json:"id"`
	PostID  string `json:"post_id,omitempty"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message"`
}

// --- Handlers ---

func listHandler(store *forum.Store) mcp.ToolHandlerFor[ListInput, *ListResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ListInput) (*mcp.CallToolResult, *ListResult, error) {
		var filter forum.Status

		if input.Status != "" {
			s, err := parseStatus(input.Status)
			if err != nil {
				return nil, nil, err
			}

			filter = s
		}

		result := &ListResult{Posts: []PostSummary{}}

		for _, p := range store.Posts() {
			if filter != "" && p.Status != filter {
				continue
			}

			result.Posts = append(result.Posts, summarize(p))
		}

		result.Total = len(result.Posts)

		return textResult(result), result, nil
	}
}

func getHandler(store *forum.Store, remote Remote) mcp.ToolHandlerFor[GetInput, *PostDetail] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input GetInput) (*mcp.CallToolResult, *PostDetail, error) {
		p, ok := store.Get(input.ID)
		if !ok {
			if remote == nil {
				return nil, nil, fmt.Errorf("post not found: %s", input.ID)
			}

			fetched, err := remote.GetPost(ctx, input.ID)
			if err != nil {
				return nil, nil, err
			}

			p = *fetched
		}

		result := detail(p)

		return textResult(result), result, nil
	}
}

func searchHandler(store *forum.Store) mcp.ToolHandlerFor[SearchInput, *SearchResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, *SearchResult, error) {
		result, err := Search(store.Posts(), input.Query, input.MaxResults)
		if err != nil {
			return nil, nil, err
		}

		return textResult(result), result, nil
	}
}

func connectionStatusHandler(status StatusReporter, store *forum.Store) mcp.ToolHandlerFor[ConnectionStatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ConnectionStatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		st := status.State()

		result := &StatusResult{
			Phase:           string(st.Phase),
			IsModerator:     st.IsModerator,
			ConnectedAt:     formatTime(st.ConnectedAt),
			LastMessageType: st.LastMessageType,
			LastMessageAt:   formatTime(st.LastMessageAt),
			Posts:           store.Len(),
		}

		return textResult(result), result, nil
	}
}

func setStatusHandler(actions Actions) mcp.ToolHandlerFor[SetStatusInput, *ActionResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SetStatusInput) (*mcp.CallToolResult, *ActionResult, error) {
		s, err := parseStatus(input.Status)
		if err != nil {
			return nil, nil, err
		}

		if err := actions.SetStatus(ctx, input.ID, s); err != nil {
			return nil, nil, err
		}

		result := &ActionResult{ID: input.ID, Status: string(s), Message: "status updated"}

		return textResult(result), result, nil
	}
}

func deleteHandler(actions Actions) mcp.ToolHandlerFor[DeleteInput, *ActionResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input DeleteInput) (*mcp.CallToolResult, *ActionResult, error) {
		if err := actions.Delete(ctx, input.ID); err != nil {
			return nil, nil, err
		}

		result := &ActionResult{ID: input.ID, Message: "post deleted"}

		return textResult(result), result, nil
	}
}

func createPostHandler(remote Remote) mcp.ToolHandlerFor[CreatePostInput, *ActionResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input CreatePostInput) (*mcp.CallToolResult, *ActionResult, error) {
		if remote == nil {
			return nil, nil, errors.New("forum API not configured")
		}

		title := strings.TrimSpace(input.Title)
		if title == "" {
			return nil, nil, errors.New("title must not be empty")
		}

		p, err := remote.CreatePost(ctx, forum.CreatePostRequest{Title: title, Content: input.Content})
		if err != nil {
			return nil, nil, err
		}

		result := &ActionResult{ID: p.ID, Status: string(p.Status), Message: "question created"}

		return textResult(result), result, nil
	}
}

func addResponseHandler(store *forum.Store, remote Remote) mcp.ToolHandlerFor[AddResponseInput, *ActionResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input AddResponseInput) (*mcp.CallToolResult, *ActionResult, error) {
		if remote == nil {
			return nil, nil, errors.New("forum API not configured")
		}

		if strings.TrimSpace(input.Content) == "" {
			return nil, nil, errors.New("content must not be empty")
		}

		if _, ok := store.Get(input.PostID); !ok {
			return nil, nil, fmt.Errorf("post not found: %s", input.PostID)
		}

		r, err := remote.CreateResponse(ctx, forum.CreateResponseRequest{Content: input.Content, PostID: input.PostID})
		if err != nil {
			return nil, nil, err
		}

		result := &ActionResult{ID: r.ID, PostID: input.PostID, Message: "response added"}

		return textResult(result), result, nil
	}
}

func parseStatus(raw string) (forum.Status, error) {
	switch s := forum.Status(raw); s {
	case forum.StatusPending, forum.StatusAnswered, forum.StatusEscalated:
		return s, nil
	default:
		return "", fmt.Errorf("unknown status %q: want PENDING, ANSWERED, or ESCALATED", raw)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339)
}

func authorName(a *forum.Author) string {
	if a == nil {
		return ""
	}

	if a.Name != "" {
		return a.Name
	}

	return a.Email
}

func summarize(p forum.Post) PostSummary {
	return PostSummary{
		ID:        p.ID,
		Title:     p.Title,
		Status:    string(p.Status),
		Author:    authorName(p.Author),
		CreatedAt: formatTime(p.CreatedAt),
		Responses: len(p.Responses),
	}
}

func detail(p forum.Post) *PostDetail {
	d := &PostDetail{
		ID:        p.ID,
		Title:     p.Title,
		Content:   p.Content,
		Status:    string(p.Status),
		Author:    authorName(p.Author),
		CreatedAt: formatTime(p.CreatedAt),
		UpdatedAt: formatTime(p.UpdatedAt),
		Responses: make([]ResponseDetail, 0, len(p.Responses)),
	}

	for _, r := range p.Responses {
		d.Responses = append(d.Responses, ResponseDetail{
			ID:        r.ID,
			Content:   r.Content,
			Author:    authorName(r.Author),
			CreatedAt: formatTime(r.CreatedAt),
		})
	}

	return d
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
