package forum

import "slices"

// StatusRank returns the display rank of a status. Lower ranks sort
// first; unknown statuses sort last.
func StatusRank(s Status) int {
	switch s {
	case StatusEscalated:
		return 1
	case StatusPending:
		return 2
	case StatusAnswered:
		return 3
	default:
		return 4
	}
}

// Prioritize orders posts for display: by status rank, then newest
// first. Posts with equal keys keep their relative order. The input is
// left untouched; the result is a new slice.
func Prioritize(posts []Post) []Post {
	out := slices.Clone(posts)
	slices.SortStableFunc(out, comparePosts)

	return out
}

func comparePosts(a, b Post) int {
	if ra, rb := StatusRank(a.Status), StatusRank(b.Status); ra != rb {
		return ra - rb
	}

	// Newest first.
	return b.CreatedAt.Compare(a.CreatedAt)
}
