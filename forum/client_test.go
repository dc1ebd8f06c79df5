package forum

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apperrors "github.com/alexjbarnes/forum-sync/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient creates a Client pointed at the given httptest server.
func newTestClient(srv *httptest.Server) *Client {
	return NewClient(srv.URL+"/", srv.Client())
}

func TestClient_ListPosts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/post", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Write([]byte(`[
			{"id":"p1","title":"One","status":"ESCALATED","responses":[{"id":"r1","content":"x"}]},
			{"id":"p2","title":"Two"}
		]`))
	}))
	defer srv.Close()

	posts, err := newTestClient(srv).ListPosts(context.Background())
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, StatusEscalated, posts[0].Status)
	assert.Equal(t, "p1", posts[0].Responses[0].PostID)
	assert.Equal(t, StatusPending, posts[1].Status)
}

func TestClient_GetPostEscapesID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/post/a%2Fb", r.URL.EscapedPath())
		w.Write([]byte(`{"id":"a/b","title":"T","status":"ANSWERED"}`))
	}))
	defer srv.Close()

	p, err := newTestClient(srv).GetPost(context.Background(), "a/b")
	require.NoError(t, err)
	assert.Equal(t, "a/b", p.ID)
}

func TestClient_CreatePost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req CreatePostRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Title", req.Title)

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"p1","title":"Title","status":"PENDING"}`))
	}))
	defer srv.Close()

	p, err := newTestClient(srv).CreatePost(context.Background(), CreatePostRequest{Title: "Title"})
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)
}

func TestClient_UpdatePostSendsOnlySetFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/post/p1", r.URL.Path)

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"status":"ESCALATED"}`, string(body))

		w.Write([]byte(`{"id":"p1","title":"T","status":"ESCALATED"}`))
	}))
	defer srv.Close()

	status := StatusEscalated
	p, err := newTestClient(srv).UpdatePost(context.Background(), "p1", UpdatePostRequest{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, p.Status)
}

func TestClient_DeletePostNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(srv).DeletePost(context.Background(), "p1"))
}

func TestClient_CreateResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/responses", r.URL.Path)

		var req CreateResponseRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "p1", req.PostID)

		w.Write([]byte(`{"id":"r1","postId":"p1","content":"ok"}`))
	}))
	defer srv.Close()

	r, err := newTestClient(srv).CreateResponse(context.Background(), CreateResponseRequest{Content: "ok", PostID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, "r1", r.ID)
}

func TestClient_ErrorMessageFromBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"Title is required"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).CreatePost(context.Background(), CreatePostRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAPIResponse)
	assert.Contains(t, err.Error(), "Title is required")
	assert.False(t, IsTransient(err))
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		code      int
		sentinel  error
		transient bool
	}{
		{http.StatusNotFound, apperrors.ErrPostNotFound, false},
		{http.StatusUnauthorized, apperrors.ErrUnauthorized, false},
		{http.StatusForbidden, apperrors.ErrUnauthorized, false},
		{http.StatusTooManyRequests, apperrors.ErrAPIResponse, true},
		{http.StatusInternalServerError, apperrors.ErrAPIResponse, true},
		{http.StatusServiceUnavailable, apperrors.ErrAPIResponse, true},
		{http.StatusConflict, apperrors.ErrAPIResponse, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				w.Write([]byte("plain text failure"))
			}))
			defer srv.Close()

			err := newTestClient(srv).DeletePost(context.Background(), "p1")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestClient_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newTestClient(srv)
	srv.Close()

	_, err := c.ListPosts(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, apperrors.ErrAPIRequest)
}

func TestClient_InvalidJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).ListPosts(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrAPIResponse)
}

func TestSanitizeResponseBody(t *testing.T) {
	assert.Equal(t, "a?b", sanitizeResponseBody([]byte("a\x00b")))
	assert.Len(t, sanitizeResponseBody([]byte(strings.Repeat("x", 1000))), 256)
	assert.Equal(t, "?", sanitizeResponseBody([]byte{0xff}))
}

func TestSameHostRedirectPolicy(t *testing.T) {
	orig, _ := http.NewRequest(http.MethodGet, "http://forum.example/api/post", nil)
	same, _ := http.NewRequest(http.MethodGet, "http://forum.example/api/post/", nil)
	other, _ := http.NewRequest(http.MethodGet, "http://evil.example/", nil)

	assert.NoError(t, sameHostRedirectPolicy(same, []*http.Request{orig}))
	assert.Error(t, sameHostRedirectPolicy(other, []*http.Request{orig}))

	var via []*http.Request
	for range maxRedirects {
		via = append(via, orig)
	}

	assert.Error(t, sameHostRedirectPolicy(same, via), "redirect limit")
}
