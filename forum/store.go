package forum

import (
	"log/slog"
	"slices"
	"sync"
)

// Store is the single reconciled collection of posts. Every view reads
// from it and every push is merged into it.
//
// Mutations are made by the SyncClient event loop (pushes, optimistic
// actions, refreshes) so they never interleave. The RWMutex is there
// for readers on other goroutines: MCP handlers, the persister, the
// mirror. Readers always receive deep copies.
//
// The merge rules are idempotent: applying the same message twice has
// the same effect as applying it once. Referential misses (a response
// or update for a post this client has not seen) are silent no-ops
// because delivery is unordered.
//
// Every change to a post records a revision. Rollbacks and refreshes
// compare revisions so they never overwrite a later change.
type Store struct {
	mu    sync.RWMutex
	posts []Post // arrival order, newest first
	dirty bool

	gen  uint64
	revs map[string]uint64 // kept after removal so deletes are remembered

	// listedSince is the generation the last applied listing was
	// requested at. Older listings are discarded.
	listedSince uint64

	logger *slog.Logger
	notify NoticeFunc
}

// NewStore creates an empty store. notify may be nil.
func NewStore(logger *slog.Logger, notify NoticeFunc) *Store {
	if notify == nil {
		notify = discardNotice
	}

	return &Store{
		revs:   make(map[string]uint64),
		logger: logger,
		notify: notify,
	}
}

// touch records a change to id. Caller must hold s.mu.
func (s *Store) touch(id string) uint64 {
	s.gen++
	s.revs[id] = s.gen

	return s.gen
}

// indexOf returns the position of the post with id, or -1. Caller must
// hold s.mu.
func (s *Store) indexOf(id string) int {
	return slices.IndexFunc(s.posts, func(p Post) bool { return p.ID == id })
}

// ApplyNewQuestion inserts p at the front unless a post with the same
// ID already exists. Returns true if the collection changed.
func (s *Store) ApplyNewQuestion(p Post) bool {
	p = p.Clone()
	p.normalize()

	s.mu.Lock()
	if s.indexOf(p.ID) >= 0 {
		s.mu.Unlock()
		s.logger.Debug("new_question already present", slog.String("id", p.ID))

		return false
	}

	s.posts = slices.Insert(s.posts, 0, p)
	s.touch(p.ID)
	s.dirty = true
	s.mu.Unlock()

	s.logger.Debug("question added", slog.String("id", p.ID))

	return true
}

// ApplyNewResponse prepends r to its post. A post that is neither
// ANSWERED nor ESCALATED becomes ANSWERED. A response already present,
// or one for a post not in the store, is ignored.
func (s *Store) ApplyNewResponse(r Response) bool {
	r = r.clone()

	s.mu.Lock()

	i := s.indexOf(r.PostID)
	if i < 0 {
		s.mu.Unlock()
		s.logger.Debug("new_response for unknown post, dropped",
			slog.String("post_id", r.PostID),
			slog.String("response_id", r.ID),
		)

		return false
	}

	p := &s.posts[i]
	if p.HasResponse(r.ID) {
		s.mu.Unlock()
		s.logger.Debug("new_response already present", slog.String("response_id", r.ID))

		return false
	}

	p.Responses = slices.Insert(p.Responses, 0, r)
	if p.Status != StatusAnswered && p.Status != StatusEscalated {
		p.Status = StatusAnswered
	}

	s.touch(p.ID)
	s.dirty = true
	s.mu.Unlock()

	s.notify(newNotice(NoticeInfo, r.PostID, "New response added"))

	return true
}

// ApplyQuestionUpdate replaces the mutable fields of an existing post.
// Fields absent from the update keep their local values. Author,
// creation time and responses are never touched.
func (s *Store) ApplyQuestionUpdate(u PostUpdate) bool {
	s.mu.Lock()

	i := s.indexOf(u.ID)
	if i < 0 {
		s.mu.Unlock()
		s.logger.Debug("question_update for unknown post, dropped", slog.String("id", u.ID))

		return false
	}

	p := &s.posts[i]
	before := p.Content
	changed := false

	if u.Title != nil && *u.Title != p.Title {
		p.Title = *u.Title
		changed = true
	}

	if u.Content != nil && *u.Content != p.Content {
		p.Content = *u.Content
		changed = true
	}

	if u.Status != nil && *u.Status != p.Status {
		p.Status = *u.Status
		changed = true
	}

	if u.UpdatedAt != nil && !u.UpdatedAt.Equal(p.UpdatedAt) {
		p.UpdatedAt = *u.UpdatedAt
		changed = true
	}

	after := p.Content

	// A push is newer information even when it matches local state.
	s.touch(u.ID)

	if changed {
		s.dirty = true
	}
	s.mu.Unlock()

	if !changed {
		return false
	}

	n := newNotice(NoticeInfo, u.ID, "Question updated")
	n.Detail = contentChangeSummary(before, after)
	s.notify(n)

	return true
}

// ApplyDeleteQuestion removes the post with id. Deleting an absent post
// is a no-op.
func (s *Store) ApplyDeleteQuestion(id string) bool {
	if _, _, ok := s.Remove(id); !ok {
		// Remembered so a listing fetched earlier cannot bring it back.
		s.mu.Lock()
		s.touch(id)
		s.mu.Unlock()

		s.logger.Debug("delete_question for unknown post", slog.String("id", id))

		return false
	}

	s.notify(newNotice(NoticeInfo, id, "Question deleted"))

	return true
}

// SetStatus sets the status of a post. It returns the previous value
// and the revision of the change, for RestoreStatus. ok is false if the
// post is not present.
func (s *Store) SetStatus(id string, status Status) (prev Status, rev uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return "", 0, false
	}

	prev = s.posts[i].Status
	if prev != status {
		s.posts[i].Status = status
		s.dirty = true
	}

	return prev, s.touch(id), true
}

// RestoreStatus puts prev back on a post, but only if nothing has
// touched the post since the change recorded as rev. A push received in
// the meantime is newer information and wins, even when it carried the
// same status.
func (s *Store) RestoreStatus(id string, rev uint64, prev Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 || s.revs[id] != rev {
		return false
	}

	s.posts[i].Status = prev
	s.touch(id)
	s.dirty = true

	return true
}

// Remove deletes a post and returns it with its former position.
func (s *Store) Remove(id string) (Post, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return Post{}, -1, false
	}

	p := s.posts[i]
	s.posts = slices.Delete(s.posts, i, i+1)
	s.touch(id)
	s.dirty = true

	return p, i, true
}

// Reinsert puts a removed post back at idx (clamped), unless a post with
// the same ID has arrived since.
func (s *Store) Reinsert(p Post, idx int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOf(p.ID) >= 0 {
		return false
	}

	idx = max(0, min(idx, len(s.posts)))
	s.posts = slices.Insert(s.posts, idx, p.Clone())
	s.touch(p.ID)
	s.dirty = true

	return true
}

// Replace swaps the whole collection, as on a snapshot restore.
// Duplicate IDs keep their first occurrence. Listings requested before
// the swap are discarded by Refresh.
func (s *Store) Replace(posts []Post) {
	next := dedupePosts(posts)

	s.mu.Lock()
	s.posts = next
	s.gen++
	s.revs = make(map[string]uint64)
	s.listedSince = s.gen
	s.dirty = true
	s.mu.Unlock()
}

// Generation marks the current state of the collection. Take it before
// requesting a listing and pass it to Refresh with the result.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.gen
}

// Refresh merges a listing requested at generation since. The listing
// is authoritative for every post that has not changed locally since
// then. A post added or updated after since keeps its local state, and
// a post removed after since stays removed. Posts added after since
// that the listing lacks stay at the front.
//
// A listing requested before the last applied one is stale and is
// discarded; Refresh then returns false.
func (s *Store) Refresh(posts []Post, since uint64) bool {
	listed := dedupePosts(posts)

	s.mu.Lock()
	defer s.mu.Unlock()

	if since < s.listedSince {
		s.logger.Debug("stale listing discarded",
			slog.Uint64("since", since),
			slog.Uint64("last", s.listedSince),
		)

		return false
	}

	inListing := make(map[string]struct{}, len(listed))
	for _, p := range listed {
		inListing[p.ID] = struct{}{}
	}

	next := make([]Post, 0, len(listed))
	kept := 0

	for _, p := range s.posts {
		if _, ok := inListing[p.ID]; !ok && s.revs[p.ID] > since {
			next = append(next, p)
			kept++
		}
	}

	for _, p := range listed {
		if s.revs[p.ID] <= since {
			next = append(next, p)
			continue
		}

		if i := s.indexOf(p.ID); i >= 0 {
			next = append(next, s.posts[i])
		}

		kept++
	}

	// Revisions at or below since can no longer affect an accepted
	// listing.
	for id, rev := range s.revs {
		if rev <= since {
			delete(s.revs, id)
		}
	}

	s.posts = next
	s.gen++
	s.listedSince = since
	s.dirty = true

	if kept > 0 {
		s.logger.Debug("refresh kept newer local posts", slog.Int("count", kept))
	}

	return true
}

// dedupePosts returns normalised deep copies of posts without empty or
// repeated IDs. The first occurrence wins.
func dedupePosts(posts []Post) []Post {
	next := make([]Post, 0, len(posts))
	seen := make(map[string]struct{}, len(posts))

	for _, p := range posts {
		if _, dup := seen[p.ID]; dup || p.ID == "" {
			continue
		}

		seen[p.ID] = struct{}{}

		p = p.Clone()
		p.normalize()
		next = append(next, p)
	}

	return next
}

// Posts returns a copy of the collection in display order.
func (s *Store) Posts() []Post {
	return Prioritize(s.Snapshot())
}

// Snapshot returns a deep copy of the collection in arrival order.
func (s *Store) Snapshot() []Post {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Post, len(s.posts))
	for i, p := range s.posts {
		out[i] = p.Clone()
	}

	return out
}

// Get returns a copy of the post with id.
func (s *Store) Get(id string) (Post, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.indexOf(id)
	if i < 0 {
		return Post{}, false
	}

	return s.posts[i].Clone(), true
}

// Len returns the number of posts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.posts)
}

// TakeDirty reports whether the collection changed since the last call
// and clears the flag.
func (s *Store) TakeDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.dirty
	s.dirty = false

	return d
}
