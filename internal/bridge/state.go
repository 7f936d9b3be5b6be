// Package bridge connects the counter engine to chat: it delivers queued
// alerts and the status line, and turns inbound chat text into scope
// commands.
//
// StateManager persists the status message reference, the selected group
// and the inbound cursor to a JSON file so that status update-in-place and
// the tracked scope survive pod restarts.
package bridge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// MessageRef tracks a chat message by channel and timestamp.
type MessageRef struct {
	ChannelID string `json:"channel_id"`
	Timestamp string `json:"timestamp"`
	LastText  string `json:"last_text,omitempty"` // for change detection
}

// StateData is the JSON-serialized state structure.
type StateData struct {
	StatusMessage *MessageRef `json:"status_message,omitempty"`
	GroupID       uint32      `json:"group_id,omitempty"`
	CommandState  string      `json:"command_state,omitempty"`
	LastInboundTS string      `json:"last_inbound_ts,omitempty"` // newest processed chat message
}

// StateManager provides thread-safe persistence of bridge state.
type StateManager struct {
	mu   sync.RWMutex
	path string
	data StateData
}

// NewStateManager creates a state manager that persists to the given path.
// If the file exists, its contents are loaded.
func NewStateManager(path string) (*StateManager, error) {
	sm := &StateManager{path: path}
	if err := sm.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return sm, nil
}

// --- Status message ---

// GetStatusMessage returns the persistent status line message ref.
func (sm *StateManager) GetStatusMessage() (MessageRef, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if sm.data.StatusMessage == nil {
		return MessageRef{}, false
	}
	return *sm.data.StatusMessage, true
}

// SetStatusMessage stores the status line message ref and persists.
func (sm *StateManager) SetStatusMessage(ref MessageRef) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.data.StatusMessage = &ref
	return sm.saveLocked()
}

// ClearStatusMessage forgets the status line message and persists.
func (sm *StateManager) ClearStatusMessage() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.data.StatusMessage = nil
	return sm.saveLocked()
}

// --- Scope ---

// GetGroupID returns the persisted group selection (0 = global).
func (sm *StateManager) GetGroupID() uint32 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.data.GroupID
}

// SetGroupID stores the group selection and persists.
func (sm *StateManager) SetGroupID(id uint32) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.data.GroupID = id
	return sm.saveLocked()
}

// GetCommandState returns the persisted interpreter state name.
func (sm *StateManager) GetCommandState() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.data.CommandState
}

// SetCommandState stores the interpreter state name and persists.
func (sm *StateManager) SetCommandState(state string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.data.CommandState = state
	return sm.saveLocked()
}

// --- Inbound cursor ---

// GetLastInboundTS returns the timestamp of the newest processed message.
func (sm *StateManager) GetLastInboundTS() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.data.LastInboundTS
}

// SetLastInboundTS stores the inbound cursor and persists.
func (sm *StateManager) SetLastInboundTS(ts string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.data.LastInboundTS = ts
	return sm.saveLocked()
}

// --- Persistence ---

func (sm *StateManager) load() error {
	data, err := os.ReadFile(sm.path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &sm.data); err != nil {
		return fmt.Errorf("unmarshal state: %w", err)
	}
	return nil
}

// saveLocked writes state to disk atomically. Caller must hold sm.mu.
func (sm *StateManager) saveLocked() error {
	data, err := json.MarshalIndent(sm.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(sm.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp := sm.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state tmp: %w", err)
	}
	if err := os.Rename(tmp, sm.path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}
