package tui

import (
	"github.com/go-authgate/chat-cli/chat"
)

// MsgConversation carries a conversation event into the chat screen.
type MsgConversation struct{ Event chat.Event }

// MsgSendResult signals that a Send finished.
type MsgSendResult struct {
	Message chat.Message
	Err     error
}

// MsgAuthStatus reports the result of a status check.
type MsgAuthStatus struct {
	Authenticated bool
	Email         string
}

// MsgStatusLine adds a line to the status log.
type MsgStatusLine struct {
	Text string
	Warn bool
}

// MsgSessionExpired signals that the session cannot be recovered.
type MsgSessionExpired struct{}

