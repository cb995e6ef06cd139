package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/carelink/chatsync/pkg/auth"
	"github.com/carelink/chatsync/pkg/connectivity"
	"github.com/carelink/chatsync/pkg/dispatch"
	"github.com/carelink/chatsync/pkg/engine"
	"github.com/carelink/chatsync/pkg/history"
	"github.com/carelink/chatsync/pkg/store"
	"github.com/carelink/chatsync/pkg/transport"
)

type LoginResponse struct {
	Token string `json:"token"`
}

func login(apiAddr, userID string) (string, error) {
	reqBody, _ := json.Marshal(map[string]string{"user_id": userID})
	resp, err := http.Post(apiAddr+"/login", "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("login failed: %s", string(body))
	}

	var loginResp LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return "", err
	}

	return loginResp.Token, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	godotenv.Load()

	apiAddr := flag.String("api", envOr("CHATSYNC_API", "http://localhost:8081"), "api service address")
	wsAddr := flag.String("ws", envOr("CHATSYNC_WS", "localhost:8080"), "gateway websocket address")
	userID := flag.String("user", "user1", "user id")
	conversationID := flag.String("conversation", "general", "conversation id")
	dataDir := flag.String("data", envOr("CHATSYNC_DATA", ".chatsync"), "local storage directory")
	flag.Parse()

	log.Printf("Logging in as %s...", *userID)
	token, err := login(*apiAddr, *userID)
	if err != nil {
		log.Fatal("Login failed: ", err)
	}
	claims, err := auth.ParseClaims(token)
	if err != nil {
		log.Fatal("Bad session token: ", err)
	}

	// Local store; a failed open degrades to memory-only with a warning.
	st, err := store.Open(filepath.Join(*dataDir, claims.UserID))
	if err != nil {
		log.Printf("Local storage unavailable, running in memory: %v", err)
		st = store.OpenMemory()
	}
	defer st.Close()

	u := url.URL{Scheme: "ws", Host: *wsAddr, Path: "/ws"}
	q := u.Query()
	q.Set("conversation", *conversationID)
	u.RawQuery = q.Encode()
	header := http.Header{}
	header.Add("Authorization", "Bearer "+token)

	conn := transport.New(u.String(), header, transport.Options{})
	if err := conn.Connect(); err != nil {
		log.Printf("Starting offline: %v", err)
	}
	defer conn.Close()

	signalOnline := connectivity.NewSignal(conn.State() == transport.StateConnected)

	coord, err := engine.New(engine.Config{
		ConversationID: *conversationID,
		LocalUserID:    claims.UserID,
		Store:          st,
		History:        history.NewClient(*apiAddr, token),
		Dispatcher:     dispatch.NewClient(*apiAddr, token),
		Transport:      conn,
		Connectivity:   signalOnline,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := coord.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer coord.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case msgs, ok := <-coord.Updates():
				if !ok {
					return
				}
				if len(msgs) == 0 {
					continue
				}
				last := msgs[len(msgs)-1]
				if last.IsDeleted {
					continue
				}
				fmt.Printf("\r[%s] %s: %s (%s)\n> ", last.Timestamp.Format("15:04"), last.Sender, last.Content, last.Status)
			case n := <-coord.Notices():
				fmt.Printf("\r* %s\n> ", n)
			case t := <-coord.Typing():
				if t.IsTyping {
					fmt.Printf("\r%s is typing...\n> ", t.UserID)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			text := scanner.Text()
			switch {
			case text == "":
			case text == "/quit":
				close(interrupt)
				return
			case text == "/sync":
				coord.Synchronize(ctx)
			case text == "/offline":
				signalOnline.Set(false)
			case text == "/online":
				signalOnline.Set(true)
			case strings.HasPrefix(text, "/retry "):
				if err := coord.Retry(ctx, strings.TrimPrefix(text, "/retry ")); err != nil {
					fmt.Println("retry:", err)
				}
			default:
				if _, err := coord.Send(ctx, text, nil); err != nil {
					fmt.Println("send:", err)
				}
			}
			fmt.Print("> ")
		}
	}()

	select {
	case <-done:
	case <-interrupt:
		log.Println("interrupt")
	}
}
