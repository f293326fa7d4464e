package model

import (
	"testing"
	"time"
)

func TestSentimentForEmoji(t *testing.T) {
	sentiment, ok := SentimentForEmoji("👍")
	if !ok || sentiment != RatingPositive {
		t.Errorf("👍: got (%q, %v)", sentiment, ok)
	}

	// some clients append the variation selector
	sentiment, ok = SentimentForEmoji("❤️")
	if !ok || sentiment != RatingLove {
		t.Errorf("❤️: got (%q, %v)", sentiment, ok)
	}

	if _, ok = SentimentForEmoji("🎃"); ok {
		t.Error("out-of-vocabulary emoji produced a sentiment")
	}
}

func TestRatingRecord_ParseTimestamp(t *testing.T) {
	record := RatingRecord{Timestamp: "2026-08-30T12:00:00Z"}
	ts, err := record.ParseTimestamp()
	if err != nil {
		t.Fatalf("RFC 3339 timestamp rejected: %v", err)
	}
	if ts.UTC() != time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC) {
		t.Errorf("wrong time: %v", ts)
	}

	record = RatingRecord{Timestamp: "2026-08-30T12:00:00"}
	if _, err = record.ParseTimestamp(); err != nil {
		t.Fatalf("zone-less timestamp rejected: %v", err)
	}

	record = RatingRecord{Timestamp: "not a time"}
	if _, err = record.ParseTimestamp(); err == nil {
		t.Error("garbage timestamp parsed")
	}
}
