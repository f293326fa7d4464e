package usecase

import "sync"

const recentAuthorLimit = 10

// ChannelLog keeps a small in-process view of each chat: the distinct display
// names among the last messages (bots cannot fetch chat history from the Bot
// API, so it is built from the update stream) and whether the bot posted the
// most recent message.
type ChannelLog struct {
	mu      sync.RWMutex
	authors map[int64][]string
	botLast map[int64]bool
}

func NewChannelLog() *ChannelLog {
	return &ChannelLog{
		authors: make(map[int64][]string),
		botLast: make(map[int64]bool),
	}
}

// RecordUser notes a non-bot message author. Authors are kept in encounter
// order, newest last, capped at the history window.
func (c *ChannelLog) RecordUser(chatID int64, displayName string) {
	if displayName == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.botLast[chatID] = false

	authors := c.authors[chatID]
	for i, author := range authors {
		if author == displayName {
			authors = append(authors[:i], authors[i+1:]...)
			break
		}
	}
	authors = append(authors, displayName)
	if len(authors) > recentAuthorLimit {
		authors = authors[len(authors)-recentAuthorLimit:]
	}
	c.authors[chatID] = authors
}

func (c *ChannelLog) RecordBot(chatID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.botLast[chatID] = true
}

func (c *ChannelLog) RecentAuthors(chatID int64) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	authors := make([]string, len(c.authors[chatID]))
	copy(authors, c.authors[chatID])
	return authors
}

func (c *ChannelLog) LastAuthorWasBot(chatID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.botLast[chatID]
}
