package forum

import (
	"fmt"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// NoticeKind classifies a user-visible notice.
type NoticeKind string

const (
	NoticeInfo    NoticeKind = "info"
	NoticeSuccess NoticeKind = "success"
	NoticeError   NoticeKind = "error"
)

// Notice is a user-visible message about a change to the collection or
// the outcome of a local action. Retryable is set on write failures the
// user can try again.
type Notice struct {
	Kind      NoticeKind `json:"kind"`
	Message   string     `json:"message"`
	PostID    string     `json:"post_id,omitempty"`
	Detail    string     `json:"detail,omitempty"`
	Retryable bool       `json:"retryable,omitempty"`
	At        time.Time  `json:"at"`
}

// NoticeFunc receives notices. It is called outside any store lock and
// must not block for long.
type NoticeFunc func(Notice)

func discardNotice(Notice) {}

func newNotice(kind NoticeKind, postID, message string) Notice {
	return Notice{Kind: kind, Message: message, PostID: postID, At: time.Now()}
}

// contentChangeSummary describes how much of a post body changed, e.g.
// "+12/-3 chars". Returns "" when the texts are identical.
func contentChangeSummary(before, after string) string {
	if before == after {
		return ""
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(before, after, false))

	var added, removed int

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += len([]rune(d.Text))
		case diffmatchpatch.DiffDelete:
			removed += len([]rune(d.Text))
		}
	}

	return fmt.Sprintf("+%d/-%d chars", added, removed)
}
