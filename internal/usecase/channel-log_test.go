package usecase

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChannelLog_AuthorsDedupedNewestLast(t *testing.T) {
	log := NewChannelLog()
	log.RecordUser(1, "alice")
	log.RecordUser(1, "bob")
	log.RecordUser(1, "alice")

	require.Equal(t, []string{"bob", "alice"}, log.RecentAuthors(1))
}

func TestChannelLog_AuthorWindowCapped(t *testing.T) {
	log := NewChannelLog()
	for i := 0; i < recentAuthorLimit+5; i++ {
		log.RecordUser(1, fmt.Sprintf("user%d", i))
	}

	authors := log.RecentAuthors(1)
	require.Len(t, authors, recentAuthorLimit)
	require.Equal(t, fmt.Sprintf("user%d", recentAuthorLimit+4), authors[len(authors)-1])
}

func TestChannelLog_BotLastFlag(t *testing.T) {
	log := NewChannelLog()
	require.False(t, log.LastAuthorWasBot(1))

	log.RecordBot(1)
	require.True(t, log.LastAuthorWasBot(1))
	require.False(t, log.LastAuthorWasBot(2))

	log.RecordUser(1, "alice")
	require.False(t, log.LastAuthorWasBot(1))
}

func TestChannelLog_ChatsIsolated(t *testing.T) {
	log := NewChannelLog()
	log.RecordUser(1, "alice")
	log.RecordUser(2, "bob")

	require.Equal(t, []string{"alice"}, log.RecentAuthors(1))
	require.Equal(t, []string{"bob"}, log.RecentAuthors(2))
}
