package platform

import (
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
)

// fakeThread serves after-cursor pages the way the REST API does: up to
// limit messages just past the cursor, newest first within the page.
func fakeThread(total int) func(channelID string, limit int, afterID string) ([]*discordgo.Message, error) {
	return func(_ string, limit int, afterID string) ([]*discordgo.Message, error) {
		after, err := strconv.Atoi(afterID)
		if err != nil {
			return nil, fmt.Errorf("bad cursor %q", afterID)
		}
		var page []*discordgo.Message
		for id := after + 1; id <= total && len(page) < limit; id++ {
			page = append(page, &discordgo.Message{
				ID:        strconv.Itoa(id),
				Author:    &discordgo.User{ID: "U1", Username: "alice"},
				Content:   fmt.Sprintf("msg %d", id),
				Timestamp: time.Unix(int64(id), 0).UTC(),
			})
		}
		for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
			page[i], page[j] = page[j], page[i]
		}
		return page, nil
	}
}

func TestFetchAfterBackfillsFromThreadStart(t *testing.T) {
	d := &Discord{messagesPage: fakeThread(250)}
	msgs, err := d.FetchAfter("thread", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 250 {
		t.Fatalf("fetched %d messages, want 250", len(msgs))
	}
	if msgs[0].ID != "1" || msgs[249].ID != "250" {
		t.Errorf("order = %s .. %s, want 1 .. 250", msgs[0].ID, msgs[249].ID)
	}
}

func TestFetchAfterResumesFromCursor(t *testing.T) {
	d := &Discord{messagesPage: fakeThread(250)}
	msgs, err := d.FetchAfter("thread", "240")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 10 || msgs[0].ID != "241" {
		t.Errorf("resume: got %d messages, first %v", len(msgs), msgs)
	}
}
