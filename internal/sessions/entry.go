package sessions

import "time"

// Entry is the persisted record for one session key.
//
// Entries are owned by the Store: they are mutated only through Save patches and
// must be re-read rather than held across an agent run. The session id changes
// only on an explicit reset, never as a side effect of queueing.
type Entry struct {
	SessionID string    `json:"sessionId"`
	UpdatedAt time.Time `json:"updatedAt"`

	DisplayName      string `json:"displayName,omitempty"`
	ProviderOverride string `json:"providerOverride,omitempty"`
	ModelOverride    string `json:"modelOverride,omitempty"`

	InputTokens  int64 `json:"inputTokens,omitempty"`
	OutputTokens int64 `json:"outputTokens,omitempty"`
	TotalTokens  int64 `json:"totalTokens,omitempty"`

	// LastRoute records the channel/chat the session last replied through,
	// used by heartbeat/status delivery to pick a target.
	LastRoute *Route `json:"lastRoute,omitempty"`
}

// Route identifies a delivery target on a channel.
type Route struct {
	Channel   string `json:"channel"`
	To        string `json:"to"`
	AccountID string `json:"accountId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.LastRoute != nil {
		r := *e.LastRoute
		c.LastRoute = &r
	}
	return &c
}

// Patch maps session keys to replacement entries. A nil value marks the key
// for deletion; a present entry replaces whatever is on disk for that key.
type Patch map[string]*Entry
