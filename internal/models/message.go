package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Channel is the delivery path a message arrived through
type Channel string

const (
	ChannelSMS          Channel = "sms"
	ChannelRCS          Channel = "rcs"
	ChannelNotification Channel = "notification"
)

// IsValid checks if the channel is known
func (c Channel) IsValid() bool {
	return c == ChannelSMS || c == ChannelRCS || c == ChannelNotification
}

// ParseChannel maps export values onto a Channel. Empty means SMS.
func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sms", "inbox":
		return ChannelSMS, nil
	case "rcs":
		return ChannelRCS, nil
	case "notification", "app":
		return ChannelNotification, nil
	default:
		return "", fmt.Errorf("unknown channel: %s", s)
	}
}

// RawMessage is a message as read from the device store. Never mutated after read.
type RawMessage struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
	Body      string    `json:"body"`
	Channel   Channel   `json:"channel"`
}

// IdentityKey derives the message identity from sender and body. The store
// assigned ID is not stable across redeliveries so it is not used.
func (m *RawMessage) IdentityKey() string {
	sum := sha256.Sum256([]byte(strings.ToUpper(strings.TrimSpace(m.Sender)) + "\x00" + m.Body))
	return hex.EncodeToString(sum[:])
}

// String returns a string representation of the message
func (m *RawMessage) String() string {
	return fmt.Sprintf("RawMessage{ID: %s, Sender: %s, Time: %s, Channel: %s}",
		m.ID, m.Sender, m.Timestamp.Format(time.RFC3339), m.Channel)
}

// UnrecognizedMessage is a transactional-looking message no parser understood,
// kept for manual triage.
type UnrecognizedMessage struct {
	ID         string    `json:"id"`
	Sender     string    `json:"sender"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"receivedAt"`
	Channel    Channel   `json:"channel"`
	CreatedAt  time.Time `json:"createdAt"`
}
