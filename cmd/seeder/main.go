package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Event mirrors models.Event (simplified).
type Event struct {
	UserID        int64                  `json:"user_id"`
	GuildID       int64                  `json:"guild_id"`
	EventType     string                 `json:"event_type"`
	EventData     map[string]interface{} `json:"event_data,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	ChannelID     int64                  `json:"channel_id,omitempty"`
	CorrelationID string                 `json:"correlation_id"`
}

var eventTypes = []string{
	"achievement.message_sent",
	"achievement.reaction_added",
	"achievement.voice_joined",
	"achievement.command_used",
}

func main() {
	apiURL := flag.String("url", "http://localhost:8080/api/v1/events", "ingest endpoint")
	token := flag.String("token", "dev-ingest-token", "ingest token")
	count := flag.Int("count", 50, "events to send")
	users := flag.Int("users", 5, "distinct user ids")
	guildID := flag.Int64("guild", 1001, "guild id")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}
	accepted := 0

	for i := 0; i < *count; i++ {
		ev := Event{
			UserID:        int64(1000 + rand.Intn(*users)),
			GuildID:       *guildID,
			EventType:     eventTypes[rand.Intn(len(eventTypes))],
			Timestamp:     time.Now().UTC(),
			ChannelID:     42,
			CorrelationID: uuid.NewString(),
		}
		if ev.EventType == "achievement.command_used" {
			ev.EventData = map[string]interface{}{"command": "rank"}
		}

		payload, err := json.Marshal(ev)
		if err != nil {
			log.Fatalf("marshal: %v", err)
		}

		req, err := http.NewRequest(http.MethodPost, *apiURL, bytes.NewReader(payload))
		if err != nil {
			log.Fatalf("request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+*token)

		resp, err := client.Do(req)
		if err != nil {
			log.Fatalf("send: %v", err)
		}
		resp.Body.Close()

		if resp.StatusCode == http.StatusAccepted {
			accepted++
		} else {
			log.Printf("event %d rejected: %s", i, resp.Status)
		}
	}

	fmt.Printf("accepted %d/%d events\n", accepted, *count)
}
