package chat

import (
	"cmp"
	"slices"
	"time"
)

// Compare orders messages by (CreatedAt, ID) ascending.
func Compare(a, b Message) int {
	return compareKey(a.CreatedAt, a.ID, b.CreatedAt, b.ID)
}

func compareKey(at time.Time, aid string, bt time.Time, bid string) int {
	if c := at.Compare(bt); c != 0 {
		return c
	}
	return cmp.Compare(aid, bid)
}

// Sort sorts msgs in place by (CreatedAt, ID).
func Sort(msgs []Message) {
	slices.SortStableFunc(msgs, Compare)
}

// IsSorted reports whether msgs is non-decreasing by (CreatedAt, ID).
func IsSorted(msgs []Message) bool {
	return slices.IsSortedFunc(msgs, Compare)
}
