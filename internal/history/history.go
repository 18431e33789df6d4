// Package history defines conversation turns shared by storage, the AI
// backends and the pipeline.
package history

// Role identifies who produced a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleModel
}

// Turn is one message in a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// History is an ordered conversation log, oldest first.
type History []Turn

// Append returns a new History with turns added. h itself is never
// modified, so a caller's loaded copy stays intact if the new one is
// discarded.
func (h History) Append(turns ...Turn) History {
	out := make(History, 0, len(h)+len(turns))
	out = append(out, h...)
	return append(out, turns...)
}

// User returns a user turn.
func User(content string) Turn {
	return Turn{Role: RoleUser, Content: content}
}

// Model returns a model turn.
func Model(content string) Turn {
	return Turn{Role: RoleModel, Content: content}
}
