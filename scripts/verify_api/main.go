// Smoke-checks the two HTTP collaborators the engine depends on: the
// history endpoint and the send endpoint.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"

	"github.com/carelink/chatsync/pkg/dispatch"
	"github.com/carelink/chatsync/pkg/history"
)

func main() {
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	userID := flag.String("user", "verify", "user id")
	conversationID := flag.String("conversation", "general", "conversation id")
	flag.Parse()

	body, _ := json.Marshal(map[string]string{"user_id": *userID})
	resp, err := http.Post(*apiAddr+"/login", "application/json", bytes.NewBuffer(body))
	if err != nil {
		log.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	var loginResp struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		log.Fatalf("login decode: %v", err)
	}
	log.Println("login OK")

	ctx := context.Background()

	id, err := dispatch.NewClient(*apiAddr, loginResp.Token).Send(ctx, *conversationID, "verify_api ping", nil)
	if err != nil {
		log.Fatalf("send: %v", err)
	}
	log.Printf("send OK, server id %s", id)

	msgs, err := history.NewClient(*apiAddr, loginResp.Token).GetMessages(ctx, *conversationID, 10)
	if err != nil {
		log.Fatalf("history: %v", err)
	}
	log.Printf("history OK, %d messages", len(msgs))

	for _, m := range msgs {
		if m.ID == id {
			log.Println("round trip OK: sent message visible in history")
			return
		}
	}
	log.Println("warning: sent message not yet visible in history")
}
