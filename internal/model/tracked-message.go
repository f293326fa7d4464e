package model

// TrackedMessage remembers enough about a delivered response to interpret
// later reactions on it. Tracked messages live in memory only and expire,
// they are never persisted.
type TrackedMessage struct {
	ChatID    int64
	MessageID int
	Model     string
	Endpoint  string
	Content   string
}
