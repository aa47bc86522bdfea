package domain

// StructuredReply is the normalized result of one model completion. Optional
// fields are nil when absent so they never collide with valid values.
type StructuredReply struct {
	Reply    string        `json:"reply"`
	Mode     Mode          `json:"mode"`
	Step     *Step         `json:"step"`
	Correct  *bool         `json:"correct"`
	Metadata ReplyMetadata `json:"metadata"`
}

// ReplyMetadata describes the topic under discussion.
type ReplyMetadata struct {
	Topic      *string     `json:"topic"`
	Difficulty *Difficulty `json:"difficulty"`
}

// Role tags a history message for the completion provider.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged entry of a reconstructed conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
