package model

import (
	"time"

	"github.com/google/uuid"
)

type MessageSource string

const (
	MessageSourceUser      = MessageSource("user")
	MessageSourceAssistant = MessageSource("assistant")
)

type Message struct {
	Source MessageSource
	Author string
	Body   string
}

// MessageContext carries the conversation snapshot a generation runs against.
// The context is never mutated by model selection: the chosen model and client
// are passed into the pipeline explicitly, Model here stays the baseline the
// conversation was started with.
type MessageContext struct {
	ID               uuid.UUID
	ChatID           int64
	AuthorID         int64
	AuthorName       string
	TriggerMessageID int
	TriggerTime      time.Time
	Model            string
	ModelTemperature float32
	CanReply         bool
	Messages         []Message
}
