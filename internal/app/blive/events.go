/*
Package blive implements the client side of the bilibili live danmaku protocol.

This file defines the structured events delivered to the EventHandler and the
parsing of the raw notification payloads, including the positional info array
used by DANMU_MSG.
*/
package blive

import (
	"encoding/json"
	"fmt"
)

// EventHandler receives structured events from a Client. Callbacks run on the
// client's read goroutine; implementations must not block.
type EventHandler interface {
	OnDanmaku(msg DanmakuMessage)
	OnGift(msg GiftMessage)
	OnGuardBuy(msg GuardBuyMessage)
}

// DanmakuMessage is one chat message from the live room.
type DanmakuMessage struct {
	// Timestamp is the send time in Unix seconds.
	Timestamp int64

	// IsGiftDanmaku marks text that accompanied a paid gift action.
	IsGiftDanmaku bool

	// Msg is the message text.
	Msg string

	UID   int64
	Uname string

	// Admin is set for room moderators.
	Admin bool

	// URank is the user's rank; values below 10000 mark new accounts.
	URank int64

	MobileVerified bool

	// MedalLevel and MedalRoomID describe the fan medal the sender wears,
	// which may have been earned in a different room.
	MedalLevel  int64
	MedalRoomID int64

	UserLevel int64

	// PrivilegeType is the paid membership tier: 1 governor, 2 admiral,
	// 3 captain, 0 none.
	PrivilegeType int64
}

// GiftMessage is one gift event from the live room.
type GiftMessage struct {
	GiftName  string `json:"giftName"`
	Num       int64  `json:"num"`
	Uname     string `json:"uname"`
	Face      string `json:"face"`
	UID       int64  `json:"uid"`
	Timestamp int64  `json:"timestamp"`
	CoinType  string `json:"coin_type"`
	TotalCoin int64  `json:"total_coin"`
}

// GuardBuyMessage is one guard (paid membership) purchase event.
type GuardBuyMessage struct {
	UID        int64  `json:"uid"`
	Username   string `json:"username"`
	GuardLevel int64  `json:"guard_level"`
	Num        int64  `json:"num"`
	GiftName   string `json:"gift_name"`
	StartTime  int64  `json:"start_time"`
	EndTime    int64  `json:"end_time"`
}

// parseDanmaku extracts a DanmakuMessage from the positional info array
// carried by DANMU_MSG notifications.
func parseDanmaku(info []any) (DanmakuMessage, error) {
	if len(info) < 8 {
		return DanmakuMessage{}, fmt.Errorf("danmaku info too short: %d elements", len(info))
	}

	meta, ok := info[0].([]any)
	if !ok || len(meta) < 10 {
		return DanmakuMessage{}, fmt.Errorf("danmaku meta malformed")
	}

	user, ok := info[2].([]any)
	if !ok || len(user) < 7 {
		return DanmakuMessage{}, fmt.Errorf("danmaku user info malformed")
	}

	msg := DanmakuMessage{
		Timestamp:      asInt64(meta[4]),
		IsGiftDanmaku:  asInt64(meta[9]) != 0,
		Msg:            asString(info[1]),
		UID:            asInt64(user[0]),
		Uname:          asString(user[1]),
		Admin:          asInt64(user[2]) != 0,
		URank:          asInt64(user[5]),
		MobileVerified: asInt64(user[6]) != 0,
		PrivilegeType:  asInt64(info[7]),
	}

	// The medal array is empty when the sender wears no fan medal.
	if medal, ok := info[3].([]any); ok && len(medal) >= 4 {
		msg.MedalLevel = asInt64(medal[0])
		msg.MedalRoomID = asInt64(medal[3])
	}

	if level, ok := info[4].([]any); ok && len(level) >= 1 {
		msg.UserLevel = asInt64(level[0])
	}

	return msg, nil
}

// asInt64 converts the loosely-typed values found in the info array.
// json.Unmarshal into any yields float64 for all numbers.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case bool:
		if n {
			return 1
		}
		return 0
	default:
		return 0
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
