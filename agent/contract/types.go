package contract

import (
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool:
		return true
	default:
		return false
	}
}

// Session is the durable record of one conversation. FoldedSeq is the seq
// of the newest turn represented by Summary (0 when nothing was folded).
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Summary   string    `json:"summary"`
	FoldedSeq int64     `json:"folded_seq"`
	LastSeq   int64     `json:"last_seq"`
}

// Turn is one role-tagged message. Seq is assigned by the session store and
// is strictly increasing per session.
type Turn struct {
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// TurnInput is a turn that has not been persisted yet.
type TurnInput struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type ToolRequest struct {
	ID   string         `json:"id,omitempty"`
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

type ToolResult struct {
	Tool   string `json:"tool"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Decision is what the reasoning gateway returns for one Decide step:
// either final Content or one or more capability calls.
type Decision struct {
	Content string        `json:"content,omitempty"`
	Calls   []ToolRequest `json:"calls,omitempty"`
}

func (d Decision) IsFinal() bool {
	return len(d.Calls) == 0
}
