package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/chatcore/pkg/gateway"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/snowflake"
)

type loginResponse struct {
	User  model.User `json:"user"`
	Token string     `json:"token"`
}

type api struct {
	addr  string
	token string
}

func (a *api) do(method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, a.addr+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %s", method, path, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *api) login(email, password string) (*loginResponse, error) {
	var resp loginResponse
	if err := a.do(http.MethodPost, "/api/users/login", map[string]string{"email": email, "password": password}, &resp); err != nil {
		return nil, err
	}
	a.token = resp.Token
	return &resp, nil
}

// findUser resolves an email or name to a user id through search.
func (a *api) findUser(query string) (string, error) {
	var users []model.User
	if err := a.do(http.MethodGet, "/api/users?search="+url.QueryEscape(query), nil, &users); err != nil {
		return "", err
	}
	if len(users) == 0 {
		return "", fmt.Errorf("no user matches %q", query)
	}
	return users[0].ID, nil
}

func printEvent(ev model.Event, names map[string]string) {
	who := func(id string) string {
		if n, ok := names[id]; ok {
			return n
		}
		return id
	}
	switch ev.Type {
	case model.EventConnected:
		return
	case model.EventTypingStarted:
		fmt.Printf("\rUser %s is typing...      \n> ", who(ev.UserID))
	case model.EventTypingStopped:
		return
	case model.EventMessageNew:
		fmt.Printf("\r%s: %s\n> ", who(ev.Message.Sender), ev.Message.Text())
	case model.EventMessageUpdated:
		fmt.Printf("\r%s (edited): %s\n> ", who(ev.Message.Sender), ev.Message.Text())
	case model.EventMessageDeleted:
		fmt.Printf("\r[message %s deleted]\n> ", ev.MessageID)
	case model.EventError:
		fmt.Printf("\rerror %s: %s\n> ", ev.Error.Code, ev.Error.Message)
	default:
		fmt.Printf("\r[%s in %s]\n> ", ev.Type, ev.ConversationID)
	}
}

func main() {
	serverAddr := flag.String("addr", "localhost:8080", "chatd address")
	email := flag.String("email", "", "account email")
	password := flag.String("password", "", "account password")
	conversation := flag.String("conversation", "", "conversation id to join")
	dmUser := flag.String("dm", "", "email or name of the user to dm (overrides -conversation)")
	flag.Parse()

	client := &api{addr: "http://" + *serverAddr}

	// 1. Login to get token
	log.Printf("Logging in as %s...", *email)
	me, err := client.login(*email, *password)
	if err != nil {
		log.Fatal("Login failed:", err)
	}
	log.Printf("Login successful. Token: %s...", me.Token[:10])
	names := map[string]string{me.User.ID: me.User.Name}

	// 2. Resolve the conversation
	convID, err := snowflake.Parse(*conversation)
	if *dmUser != "" {
		peer, ferr := client.findUser(*dmUser)
		if ferr != nil {
			log.Fatal(ferr)
		}
		var conv model.Conversation
		if err = client.do(http.MethodPost, "/api/conversations", map[string]string{"userId": peer}, &conv); err != nil {
			log.Fatal(err)
		}
		convID = conv.ID
	} else if err != nil {
		log.Fatal("-conversation or -dm is required")
	}

	var history []*model.Message
	if err := client.do(http.MethodGet, fmt.Sprintf("/api/conversations/%s/messages", convID), nil, &history); err != nil {
		log.Fatal(err)
	}
	for _, m := range history {
		fmt.Printf("%s: %s\n", names[m.Sender], m.Text())
	}

	// 3. Connect to WebSocket with token
	u := url.URL{Scheme: "ws", Host: *serverAddr, Path: "/ws", RawQuery: "token=" + url.QueryEscape(me.Token)}
	log.Printf("connecting to %s", u.Host)

	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer c.Close()

	if err := c.WriteJSON(gateway.Frame{Type: gateway.FrameJoin, ConversationID: convID}); err != nil {
		log.Fatal("join:", err)
	}

	done := make(chan struct{})

	// 4. Start goroutine to read events
	go func() {
		defer close(done)
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				log.Println("read:", err)
				return
			}
			var ev model.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				log.Printf("Received raw: %s", data)
				continue
			}
			if ev.ConversationID != 0 && ev.ConversationID != convID && ev.Type != model.EventError {
				continue
			}
			printEvent(ev, names)
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	// 5. Read from stdin; messages go over HTTP, typing over the socket
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			text := scanner.Text()
			switch text {
			case "":
			case "/quit":
				close(interrupt)
				return
			case "/typing":
				if err := c.WriteJSON(gateway.Frame{Type: gateway.FrameTyping}); err != nil {
					log.Println("write:", err)
					return
				}
			default:
				body := map[string]any{"conversationId": convID, "content": text}
				if err := client.do(http.MethodPost, "/api/messages", body, nil); err != nil {
					log.Println("send:", err)
				}
			}
			fmt.Print("> ")
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-interrupt:
			log.Println("interrupt")

			// Cleanly close the connection by sending a close message and then
			// waiting (with timeout) for the server to close the connection.
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				log.Println("write close:", err)
				return
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		}
	}
}
