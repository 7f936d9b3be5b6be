package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"countersync/internal/counters"
	"countersync/internal/engine"
	"countersync/internal/outbox"
)

// CommandState is the scope command interpreter's state.
type CommandState int

const (
	StateIdle CommandState = iota
	StateAwaitGroupID
	StateAwaitNextAction
)

func (s CommandState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitGroupID:
		return "await_group_id"
	case StateAwaitNextAction:
		return "await_next_action"
	}
	return "unknown"
}

// ParseCommandState reverses String; unknown names map to StateIdle.
func ParseCommandState(s string) CommandState {
	switch s {
	case "await_group_id":
		return StateAwaitGroupID
	case "await_next_action":
		return StateAwaitNextAction
	}
	return StateIdle
}

// inputKind classifies one inbound message.
type inputKind int

const (
	inputOther inputKind = iota
	inputHelp
	inputConfigure
	inputStatus
	inputRefresh
	inputGroupID  // digits only, a usable id
	inputBadDigit // digits only, but 0 or out of range
	inputAll
)

// action is what a transition does besides changing state.
type action int

const (
	actNone action = iota
	actHelp
	actPromptGroupID
	actStatus
	actRefresh
	actSelect         // set scope, confirm
	actSelectWithHint // set scope, confirm, explain how to go back
	actClear
	actRejectNonNumeric
	actRejectNextAction
)

type transitionKey struct {
	state CommandState
	input inputKind
}

type transition struct {
	next CommandState
	act  action
}

// transitions is the full interpreter table. Inputs missing for a state
// are ignored and leave the state unchanged.
var transitions = map[transitionKey]transition{
	{StateIdle, inputGroupID}: {StateAwaitNextAction, actSelect},

	{StateAwaitGroupID, inputGroupID}:  {StateAwaitNextAction, actSelectWithHint},
	{StateAwaitGroupID, inputBadDigit}: {StateAwaitGroupID, actRejectNonNumeric},
	{StateAwaitGroupID, inputAll}:      {StateAwaitGroupID, actRejectNonNumeric},
	{StateAwaitGroupID, inputOther}:    {StateAwaitGroupID, actRejectNonNumeric},

	{StateAwaitNextAction, inputAll}:      {StateIdle, actClear},
	{StateAwaitNextAction, inputGroupID}:  {StateAwaitNextAction, actSelect},
	{StateAwaitNextAction, inputBadDigit}: {StateAwaitNextAction, actRejectNextAction},
	{StateAwaitNextAction, inputOther}:    {StateAwaitNextAction, actRejectNextAction},
}

// globalTransitions apply in every state.
var globalTransitions = map[inputKind]func(CommandState) transition{
	inputHelp:      func(s CommandState) transition { return transition{s, actHelp} },
	inputStatus:    func(s CommandState) transition { return transition{s, actStatus} },
	inputRefresh:   func(s CommandState) transition { return transition{s, actRefresh} },
	inputConfigure: func(CommandState) transition { return transition{StateAwaitGroupID, actPromptGroupID} },
}

func lookupTransition(s CommandState, in inputKind) (transition, bool) {
	if fn, ok := globalTransitions[in]; ok {
		return fn(s), true
	}
	t, ok := transitions[transitionKey{s, in}]
	return t, ok
}

// classify maps raw chat text to an input kind and, for ids, the value.
func classify(text string) (inputKind, uint32) {
	t := strings.TrimSpace(text)
	lower := strings.ToLower(t)
	switch lower {
	case "/start", "/help":
		return inputHelp, 0
	case "/scope", "/groups":
		return inputConfigure, 0
	case "/status":
		return inputStatus, 0
	case "/refresh":
		return inputRefresh, 0
	case "all":
		return inputAll, 0
	}
	if !isDigits(t) {
		return inputOther, 0
	}
	id, err := strconv.ParseUint(t, 10, 32)
	if err != nil || id == 0 {
		return inputBadDigit, 0
	}
	return inputGroupID, uint32(id)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// ScopeSelector is the scope surface the interpreter drives.
type ScopeSelector interface {
	Group() uint32
	SetGroup(id uint32)
	ClearGroup()
}

// GroupLookup resolves group details for the confirmation message.
type GroupLookup interface {
	GroupName(ctx context.Context, groupID uint32) string
	GroupStats(ctx context.Context, groupID uint32) (delayed, all uint16, ok bool)
}

// SnapshotSource is the cache surface used by /status and /refresh.
type SnapshotSource interface {
	Snapshot() counters.Snapshot
	LastValid() counters.Snapshot
	ForceUpdate()
}

// InterpreterConfig configures an Interpreter.
type InterpreterConfig struct {
	Scope  ScopeSelector
	Lookup GroupLookup    // optional; confirmations degrade without it
	Cache  SnapshotSource // optional; /status and /refresh need it
	Outbox engine.Enqueuer
	State  *StateManager // optional; persists the interpreter state
	Logger *slog.Logger
}

// Interpreter is the chat-driven scope state machine.
type Interpreter struct {
	cfg InterpreterConfig

	mu    sync.Mutex
	state CommandState
}

// NewInterpreter creates an interpreter, restoring its state if persisted.
func NewInterpreter(cfg InterpreterConfig) *Interpreter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	in := &Interpreter{cfg: cfg}
	if cfg.State != nil {
		in.state = ParseCommandState(cfg.State.GetCommandState())
	}
	return in
}

// State returns the current interpreter state.
func (in *Interpreter) State() CommandState {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Handle processes one inbound message from the authorized sender.
func (in *Interpreter) Handle(ctx context.Context, text string) {
	kind, id := classify(text)

	in.mu.Lock()
	from := in.state
	t, ok := lookupTransition(from, kind)
	if ok {
		in.state = t.next
	}
	in.mu.Unlock()

	if !ok {
		in.cfg.Logger.Debug("ignoring chat message", "state", from.String())
		return
	}

	if t.next != from {
		in.cfg.Logger.Info("scope command state", "from", from.String(), "to", t.next.String())
		if in.cfg.State != nil {
			if err := in.cfg.State.SetCommandState(t.next.String()); err != nil {
				in.cfg.Logger.Warn("failed to persist command state", "error", err)
			}
		}
	}

	in.perform(ctx, t.act, id)
}

func (in *Interpreter) perform(ctx context.Context, act action, id uint32) {
	switch act {
	case actHelp:
		in.reply(helpText)
	case actPromptGroupID:
		in.reply("Send a group/project ID (single group).\nExample: 253")
	case actStatus:
		in.reply(in.statusText())
	case actRefresh:
		if in.cfg.Cache != nil {
			in.cfg.Cache.ForceUpdate()
		}
		in.reply("🔄 Refresh scheduled.")
	case actSelect:
		in.selectGroup(ctx, id)
	case actSelectWithHint:
		in.selectGroup(ctx, id)
		in.reply("Reply ALL to switch back to all tasks, or send another group ID.")
	case actClear:
		in.cfg.Scope.ClearGroup()
		in.reply("OK. Switched back to ALL delayed-by-me mode.")
	case actRejectNonNumeric:
		in.reply("Only numeric group IDs are supported, e.g. 253.")
	case actRejectNextAction:
		in.reply("Reply ALL to switch back, or send another group ID.")
	}
}

// selectGroup applies the scope change first; the lookup that follows is
// best-effort and only shapes the confirmation text.
func (in *Interpreter) selectGroup(ctx context.Context, id uint32) {
	previous := in.cfg.Scope.Group()
	in.cfg.Scope.SetGroup(id)

	var (
		name    string
		delayed uint16
		all     uint16
	)
	if in.cfg.Lookup != nil {
		delayed, all, _ = in.cfg.Lookup.GroupStats(ctx, id)
		name = in.cfg.Lookup.GroupName(ctx, id)
	}
	if all == 0 && previous == id && in.cfg.Cache != nil {
		if last := in.cfg.Cache.LastValid(); last.Valid && last.GroupComments > 0 {
			all = last.GroupComments
		}
	}

	in.cfg.Logger.Info("group selected", "group_id", id, "name", name, "delayed", delayed, "all_tasks", all)

	var b strings.Builder
	fmt.Fprintf(&b, "*Group saved!*\nID: *%d*", id)
	if name != "" {
		fmt.Fprintf(&b, "\nName: *%s*", name)
	}
	fmt.Fprintf(&b, "\nDelayed: *%d*\nAll tasks: *%d*", delayed, all)
	in.replyFormatted(b.String())
}

func (in *Interpreter) statusText() string {
	group := in.cfg.Scope.Group()
	scope := "all tasks"
	if group != 0 {
		scope = fmt.Sprintf("group %d", group)
	}
	if in.cfg.Cache == nil {
		return "Scope: " + scope
	}
	line := engine.StatusLine(in.cfg.Cache.LastValid(), in.cfg.Cache.Snapshot(), group)
	return line + "\nScope: " + scope
}

func (in *Interpreter) reply(text string) {
	in.cfg.Outbox.Enqueue(outbox.Message{Kind: outbox.KindReply, Text: text})
}

func (in *Interpreter) replyFormatted(text string) {
	in.cfg.Outbox.Enqueue(outbox.Message{Kind: outbox.KindReply, Text: text, Formatted: true})
}

const helpText = `📊 Counter notifications

/status - Current counters and scope
/refresh - Fetch counters now
/scope - Track a single group/project by ID
/help - This message

Send a group ID (e.g. 253) to track that group, or ALL to go back.
Notifications are sent when counts change.`
