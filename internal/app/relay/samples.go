package relay

import "time"

// sampleAvatarURL is a fixed face image used by the preview messages.
const sampleAvatarURL = "https://i0.hdslb.com/bfs/face/29b6be8aa611e70a3d3ac219cdaf5e72b604f2de.jpg@48w_48h"

// sendSampleMessages pushes a fixed sequence of synthetic payloads to the
// room so operators can preview overlay rendering without a live stream.
// Debug aid only; not part of the relay contract.
func sendSampleMessages(room *Room) {
	now := time.Now().Unix()

	room.Broadcast(NewTextMessage(TextPayload{
		AvatarURL:        sampleAvatarURL,
		Timestamp:        now,
		AuthorName:       "xfgryujk",
		AuthorType:       AuthorViewer,
		Content:          "我能吞下玻璃而不伤身体",
		AuthorLevel:      20,
		IsMobileVerified: true,
	}))

	room.Broadcast(NewTextMessage(TextPayload{
		AvatarURL:        sampleAvatarURL,
		Timestamp:        now,
		AuthorName:       "主播",
		AuthorType:       AuthorOwner,
		Content:          "I can eat glass, it doesn't hurt me.",
		AuthorLevel:      20,
		IsMobileVerified: true,
	}))

	room.Broadcast(NewMemberMessage(MemberPayload{
		AvatarURL:  sampleAvatarURL,
		Timestamp:  now,
		AuthorName: "xfgryujk",
	}))

	gifts := []GiftPayload{
		{GiftName: "礼花", GiftNum: 1, TotalCoin: 28000},
		{GiftName: "节奏风暴", GiftNum: 1, TotalCoin: 100000},
		{GiftName: "摩天大楼", GiftNum: 1, TotalCoin: 450000},
		{GiftName: "小电视飞船", GiftNum: 1, TotalCoin: 1245000},
	}

	for _, gift := range gifts {
		gift.AvatarURL = sampleAvatarURL
		gift.Timestamp = now
		gift.AuthorName = "xfgryujk"
		room.Broadcast(NewGiftMessage(gift))
	}
}
