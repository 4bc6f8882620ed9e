package ai

import "context"

// Role attributes a turn to the customer or to the assistant.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one utterance in a conversation history.
type Turn struct {
	Role    Role
	Content string
}

// Request is a single completion: a chat seeded with SystemInstruction and
// History, followed by Prompt as the final user message.
type Request struct {
	SystemInstruction string
	History           []Turn
	Prompt            string
}

// Backend performs one completion using a specific credential.
// Any returned error counts as a failed attempt for that credential.
type Backend interface {
	Complete(ctx context.Context, credential string, req Request) (string, error)
}
