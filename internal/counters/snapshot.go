// Package counters fetches work-tracking counters from the remote service.
//
// Each fetcher composes one or more Requester calls with the response
// extractor and returns (value, ok). A fetcher failure never aborts its
// siblings: Fetch assembles a Snapshot from whatever succeeded, and only the
// unread-messages fetch decides whether the snapshot is Valid.
package counters

import (
	"context"
	"net/url"
	"time"
)

// Requester issues a GET for a remote method and returns the raw body, or
// "" when the service is unreachable, times out, or answers non-2xx.
type Requester interface {
	Request(ctx context.Context, method string, query url.Values) string
}

// Snapshot is one consistent set of counters from a single poll cycle.
// It is a value type and is never mutated after Fetch returns it.
type Snapshot struct {
	UnreadMessages      uint16 `json:"unread_messages"`
	TotalUnreadMessages uint16 `json:"total_unread_messages"`
	UndoneTasks         uint16 `json:"undone_tasks"`
	ExpiredTasks        uint16 `json:"expired_tasks"`
	TotalComments       uint16 `json:"total_comments"`
	GroupDelayedTasks   uint16 `json:"group_delayed_tasks"`
	GroupComments       uint16 `json:"group_comments"`

	// GroupID is the scope the snapshot was fetched under; 0 is global.
	GroupID uint32 `json:"group_id"`

	// Valid is true only if the unread-messages fetch succeeded.
	Valid bool `json:"valid"`

	// LastUpdate is when the fetch completed, set even on failure.
	LastUpdate time.Time `json:"last_update"`
}

// Headline returns the expired-tasks figure that matters for the scope:
// the group's delayed tasks when a group is selected, else the global count.
func (s Snapshot) Headline(groupID uint32) uint16 {
	if groupID != 0 {
		return s.GroupDelayedTasks
	}
	return s.ExpiredTasks
}
