package counters

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"
	"time"
)

const (
	methodIMCounters = "im.counters.get"
	methodTaskList   = "tasks.task.list"
	methodBizproc    = "bizproc.task.list"
	methodGroupGet   = "sonet_group.get"
)

// Task status codes on the remote service.
const (
	taskStatusCompleted = "5"

	// bizprocStatusUndone marks a process task still waiting on its assignee.
	bizprocStatusUndone = 0
)

// activeTaskStatuses: new, waiting, in progress, waiting for control, postponed.
var activeTaskStatuses = []string{"1", "2", "3", "4", "6"}

// Config for a Fetcher.
type Config struct {
	Client Requester

	// Now stamps Snapshot.LastUpdate and ages the "today" cache (default time.Now).
	Now func() time.Time

	// TodayTTL bounds reuse of the server date (default 60s).
	TodayTTL time.Duration

	Logger *slog.Logger
}

// Fetcher runs the counter queries.
type Fetcher struct {
	client  Requester
	session *Session
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a Fetcher with its own identity/date session.
func New(cfg Config) *Fetcher {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Fetcher{
		client:  cfg.Client,
		session: NewSession(cfg.Client, cfg.Now, cfg.TodayTTL, cfg.Logger),
		now:     cfg.Now,
		logger:  cfg.Logger,
	}
}

// Session exposes the identity/date caches.
func (f *Fetcher) Session() *Session {
	return f.session
}

// Fetch runs every fetcher for the given scope and assembles a snapshot.
// groupID 0 means global scope.
func (f *Fetcher) Fetch(ctx context.Context, groupID uint32) Snapshot {
	s := Snapshot{GroupID: groupID}

	unread, total, unreadOK, _ := f.dialogCounters(ctx)
	s.UnreadMessages = unread
	s.TotalUnreadMessages = total
	s.Valid = unreadOK

	s.UndoneTasks, _ = f.UndoneTasks(ctx)
	s.ExpiredTasks, _ = f.DelayedTasks(ctx, 0)

	if groupID != 0 {
		s.GroupDelayedTasks, s.GroupComments, _ = f.GroupStats(ctx, groupID)
		s.TotalComments = s.TotalUnreadMessages
	} else if all, ok := f.AllTasks(ctx, 0); ok {
		s.TotalComments = all
	} else {
		s.TotalComments = s.TotalUnreadMessages
	}

	s.LastUpdate = f.now()

	f.logger.Info("counters fetched",
		"valid", s.Valid,
		"group_id", groupID,
		"dialogs", s.UnreadMessages,
		"total_unread", s.TotalUnreadMessages,
		"undone", s.UndoneTasks,
		"expired", s.ExpiredTasks,
		"all_tasks", s.TotalComments,
		"group_delayed", s.GroupDelayedTasks,
		"group_all_tasks", s.GroupComments)
	return s
}

// UnreadMessages returns the number of dialogs with unread messages.
func (f *Fetcher) UnreadMessages(ctx context.Context) (uint16, bool) {
	unread, _, ok, _ := f.dialogCounters(ctx)
	return unread, ok
}

// TotalUnreadMessages returns unread messages across all conversation types.
func (f *Fetcher) TotalUnreadMessages(ctx context.Context) (uint16, bool) {
	_, total, _, ok := f.dialogCounters(ctx)
	return total, ok
}

// dialogCounters makes one im.counters.get call and extracts both counters.
func (f *Fetcher) dialogCounters(ctx context.Context) (unread, total uint16, unreadOK, totalOK bool) {
	body := f.client.Request(ctx, methodIMCounters, nil)
	if body == "" {
		return 0, 0, false, false
	}
	u, t, ok := extractDialogCounters(body)
	if !ok {
		f.logger.Warn("im.counters.get: result is not an object")
		return 0, 0, false, false
	}
	return clamp(u), clamp(t), true, true
}

// UndoneTasks counts open process tasks assigned to the current identity.
// The endpoint's own count is not trusted: the list is fetched and filtered
// client-side unless the response only carries a total.
func (f *Fetcher) UndoneTasks(ctx context.Context) (uint16, bool) {
	userID, ok := f.session.Identity(ctx)
	if !ok {
		return 0, false
	}

	q := url.Values{}
	q.Set("FILTER[USER_ID]", strconv.FormatUint(uint64(userID), 10))
	for _, field := range []string{"ID", "USER_ID", "STATUS", "STATUS_ID", "STATUS_NAME"} {
		q.Add("SELECT[]", field)
	}

	body := f.client.Request(ctx, methodBizproc, q)
	if body == "" {
		return 0, false
	}

	result, shape, ok := extractCountResult(body)
	if !ok {
		f.logger.Warn("bizproc.task.list: no known response shape matched")
		return 0, false
	}
	f.logger.Debug("bizproc.task.list parsed", "shape", shape)

	switch r := result.(type) {
	case ExplicitTotal:
		return clamp(r.N), true
	case ItemList:
		n := r.CountWhere(func(it map[string]any) bool {
			uid, ok := asInt(it["USER_ID"])
			if !ok || uid != int(userID) {
				return false
			}
			status, ok := asInt(it["STATUS"])
			return ok && status == bizprocStatusUndone
		})
		return clamp(n), true
	}
	return 0, false
}

// ExpiredTasks returns the global count of overdue, incomplete tasks.
func (f *Fetcher) ExpiredTasks(ctx context.Context) (uint16, bool) {
	return f.DelayedTasks(ctx, 0)
}

// DelayedTasks counts tasks the current identity is responsible for whose
// deadline is before the server's today and which are not completed.
// groupID 0 means all groups.
func (f *Fetcher) DelayedTasks(ctx context.Context, groupID uint32) (uint16, bool) {
	userID, ok := f.session.Identity(ctx)
	if !ok {
		return 0, false
	}
	today, ok := f.session.Today(ctx)
	if !ok {
		return 0, false
	}

	q := url.Values{}
	if groupID != 0 {
		q.Set("filter[GROUP_ID]", strconv.FormatUint(uint64(groupID), 10))
	}
	q.Set("filter[RESPONSIBLE_ID]", strconv.FormatUint(uint64(userID), 10))
	q.Set("filter[!DEADLINE]", "")
	q.Set("filter[<DEADLINE]", today)
	q.Set("filter[!STATUS]", taskStatusCompleted)
	countOnly(q)

	return f.countQuery(ctx, "delayed", q)
}

// ActiveTasks counts tasks the current identity is responsible for in any
// active status. groupID 0 means all groups.
func (f *Fetcher) ActiveTasks(ctx context.Context, groupID uint32) (uint16, bool) {
	userID, ok := f.session.Identity(ctx)
	if !ok {
		return 0, false
	}

	q := url.Values{}
	if groupID != 0 {
		q.Set("filter[GROUP_ID]", strconv.FormatUint(uint64(groupID), 10))
	}
	q.Set("filter[RESPONSIBLE_ID]", strconv.FormatUint(uint64(userID), 10))
	for _, st := range activeTaskStatuses {
		q.Add("filter[STATUS][]", st)
	}
	countOnly(q)

	return f.countQuery(ctx, "active", q)
}

// AllTasks is active + delayed, summed client-side: the service has no
// single filter for "active OR overdue". Both queries must succeed.
func (f *Fetcher) AllTasks(ctx context.Context, groupID uint32) (uint16, bool) {
	delayed, ok := f.DelayedTasks(ctx, groupID)
	if !ok {
		return 0, false
	}
	active, ok := f.ActiveTasks(ctx, groupID)
	if !ok {
		return 0, false
	}
	return clamp(int(active) + int(delayed)), true
}

// GroupStats returns the group's delayed tasks and its all-tasks aggregate.
func (f *Fetcher) GroupStats(ctx context.Context, groupID uint32) (delayed, all uint16, ok bool) {
	if groupID == 0 {
		return 0, 0, false
	}
	delayed, ok = f.DelayedTasks(ctx, groupID)
	if !ok {
		return 0, 0, false
	}
	active, ok := f.ActiveTasks(ctx, groupID)
	if !ok {
		return delayed, 0, false
	}
	return delayed, clamp(int(active) + int(delayed)), true
}

// GroupName looks up a group's display name; "" when unavailable.
func (f *Fetcher) GroupName(ctx context.Context, groupID uint32) string {
	if groupID == 0 {
		return ""
	}
	q := url.Values{}
	q.Set("FILTER[ID]", strconv.FormatUint(uint64(groupID), 10))
	body := f.client.Request(ctx, methodGroupGet, q)
	if body == "" {
		return ""
	}
	return extractGroupName(body)
}

func (f *Fetcher) countQuery(ctx context.Context, kind string, q url.Values) (uint16, bool) {
	body := f.client.Request(ctx, methodTaskList, q)
	if body == "" {
		return 0, false
	}
	n, ok := extractTotal(body)
	if !ok {
		f.logger.Warn("tasks.task.list: no total in response", "query", kind)
		return 0, false
	}
	return clamp(n), true
}

// countOnly asks for the smallest possible page; only the total is read.
func countOnly(q url.Values) {
	q.Set("nav_params[nPageSize]", "1")
	q.Set("nav_params[iNumPage]", "1")
	q.Set("select[]", "ID")
}
