/*
Package relay contains the core logic bridging one upstream live-room event
stream to any number of overlay subscriber connections.

This file defines the wire messages exchanged with subscribers: a one-shot
inbound join request and the outbound broadcast payloads.
*/
package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Command tags the JSON messages exchanged with overlay subscribers.
type Command int

const (
	// CmdJoinRoom is the only inbound command: the one-shot join request.
	CmdJoinRoom Command = 0

	// CmdAddText delivers a chat message to the overlay.
	CmdAddText Command = 1

	// CmdAddGift delivers a paid gift to the overlay.
	CmdAddGift Command = 2

	// CmdAddMember delivers a membership purchase to the overlay.
	CmdAddMember Command = 3
)

// AuthorType classifies a chat message's sender for overlay styling.
type AuthorType int

const (
	AuthorViewer    AuthorType = 0
	AuthorMember    AuthorType = 1
	AuthorModerator AuthorType = 2
	AuthorOwner     AuthorType = 3
)

// newbieRankThreshold: accounts ranked below this are flagged as new.
const newbieRankThreshold = 10000

// Message is one outbound broadcast, encoded as {"cmd": int, "data": {...}}.
// Use the New*Message constructors so each command carries its matching
// payload shape.
type Message struct {
	Cmd  Command `json:"cmd"`
	Data any     `json:"data"`
}

// NewTextMessage builds an ADD_TEXT broadcast.
func NewTextMessage(p TextPayload) Message {
	return Message{Cmd: CmdAddText, Data: p}
}

// NewGiftMessage builds an ADD_GIFT broadcast.
func NewGiftMessage(p GiftPayload) Message {
	return Message{Cmd: CmdAddGift, Data: p}
}

// NewMemberMessage builds an ADD_MEMBER broadcast.
func NewMemberMessage(p MemberPayload) Message {
	return Message{Cmd: CmdAddMember, Data: p}
}

// TextPayload is the ADD_TEXT message body.
type TextPayload struct {
	AvatarURL        string     `json:"avatarUrl"`
	Timestamp        int64      `json:"timestamp"`
	AuthorName       string     `json:"authorName"`
	AuthorType       AuthorType `json:"authorType"`
	Content          string     `json:"content"`
	PrivilegeType    int64      `json:"privilegeType"`
	IsGiftDanmaku    bool       `json:"isGiftDanmaku"`
	AuthorLevel      int64      `json:"authorLevel"`
	IsNewbie         bool       `json:"isNewbie"`
	IsMobileVerified bool       `json:"isMobileVerified"`
	MedalLevel       int64      `json:"medalLevel"`
}

// GiftPayload is the ADD_GIFT message body.
type GiftPayload struct {
	AvatarURL  string `json:"avatarUrl"`
	Timestamp  int64  `json:"timestamp"`
	AuthorName string `json:"authorName"`
	GiftName   string `json:"giftName"`
	GiftNum    int64  `json:"giftNum"`
	TotalCoin  int64  `json:"totalCoin"`
}

// MemberPayload is the ADD_MEMBER message body.
type MemberPayload struct {
	AvatarURL  string `json:"avatarUrl"`
	Timestamp  int64  `json:"timestamp"`
	AuthorName string `json:"authorName"`
}

// JoinPayload is the body of the inbound join request.
type JoinPayload struct {
	RoomID RoomID `json:"roomId"`
}

// RoomID is a room identifier that overlay clients may send either as a JSON
// number or as a string.
type RoomID int64

// UnmarshalJSON accepts both `12345` and `"12345"`.
func (r *RoomID) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(bytes.TrimSpace(data), `"`)

	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid room id %q", data)
	}

	*r = RoomID(n)
	return nil
}

// inboundEnvelope frames messages received from a subscriber connection.
type inboundEnvelope struct {
	Cmd  Command         `json:"cmd"`
	Data json.RawMessage `json:"data"`
}
