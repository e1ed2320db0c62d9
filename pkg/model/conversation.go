package model

import (
	"time"

	"github.com/mahaj/chatcore/pkg/snowflake"
)

// Conversation is either a direct chat between exactly two users or a named
// group governed by a single admin.
type Conversation struct {
	ID            snowflake.ID `json:"id"`
	IsGroup       bool         `json:"isGroup"`
	Name          string       `json:"name,omitempty"`
	Admin         string       `json:"admin,omitempty"`
	Members       []string     `json:"members"`
	LatestMessage *Message     `json:"latestMessage,omitempty"`
	Unread        int64        `json:"unread"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

func (c *Conversation) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// Peer returns the other member of a direct conversation.
func (c *Conversation) Peer(userID string) string {
	if c.IsGroup {
		return ""
	}
	for _, m := range c.Members {
		if m != userID {
			return m
		}
	}
	return ""
}

// Clone returns a copy that shares nothing mutable with c.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Members = append([]string(nil), c.Members...)
	cp.LatestMessage = c.LatestMessage.Clone()
	return &cp
}

// PairKey is the unordered identity of a direct conversation.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// UniqueMembers returns ids in first-seen order without blanks or repeats.
func UniqueMembers(ids ...string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
