// Command verify_api runs a smoke test against a live chatd: two fresh
// users open a direct conversation, exchange a message and read history.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/google/uuid"
)

type session struct {
	User struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"user"`
	Token string `json:"token"`
}

func call(method, url, token string, body, out any) {
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		log.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		log.Fatalf("%s %s: %s %s", method, url, resp.Status, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			log.Fatalf("decode %s: %v", url, err)
		}
	}
}

func register(apiAddr, name string) session {
	var s session
	call(http.MethodPost, apiAddr+"/api/users", "", map[string]string{
		"name":     name,
		"email":    fmt.Sprintf("%s-%s@example.com", name, uuid.NewString()[:8]),
		"password": "verify-secret",
	}, &s)
	return s
}

func main() {
	apiAddr := flag.String("api", "http://localhost:8080", "chatd address")
	flag.Parse()

	// 1. Register two users
	a, b := register(*apiAddr, "alice"), register(*apiAddr, "bob")
	fmt.Printf("Token: %s...\n", a.Token[:10])

	// 2. Open the direct conversation
	var conv struct {
		ID string `json:"id"`
	}
	call(http.MethodPost, *apiAddr+"/api/conversations", a.Token, map[string]string{"userId": b.User.ID}, &conv)
	log.Printf("Conversation %s", conv.ID)

	// 3. Send and read back
	call(http.MethodPost, *apiAddr+"/api/messages", a.Token, map[string]string{"conversationId": conv.ID, "content": "hello from verify_api"}, nil)
	var history json.RawMessage
	call(http.MethodGet, *apiAddr+"/api/conversations/"+conv.ID+"/messages", b.Token, nil, &history)
	log.Printf("History: %s", string(history))
}
