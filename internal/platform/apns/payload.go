package apns

import (
	"strings"

	"github.com/matrixpush/gateway/pkg/notification"
)

// MaxFieldLength truncates the sender/room display strings used to build
// loc-args, independently of the overall JSON body budget (§4.3).
const MaxFieldLength = 1024

// buildEventIDOnly constructs the payload for the "event-id-only" branch:
// selected when the notification carries an event_id but no type.
func buildEventIDOnly(n notification.Notification, defaultPayload map[string]interface{}) map[string]interface{} {
	payload := make(map[string]interface{}, len(defaultPayload)+4)
	for k, v := range defaultPayload {
		payload[k] = v
	}
	if n.RoomID != "" {
		payload["room_id"] = n.RoomID
	}
	if n.EventID != "" {
		payload["event_id"] = n.EventID
	}
	if n.Counts.Unread != nil {
		payload["unread_count"] = *n.Counts.Unread
	}
	if n.Counts.MissedCalls != nil {
		payload["missed_calls"] = *n.Counts.MissedCalls
	}
	return payload
}

// buildFull implements the §4.3 loc-key decision table plus badge
// computation. ok is false when there is nothing worth sending (no
// loc-key and no badge).
func buildFull(n notification.Notification, device notification.Device) (payload map[string]interface{}, ok bool) {
	fromDisplay := " "
	switch {
	case n.SenderDisplayName != "":
		fromDisplay = n.SenderDisplayName
	case n.Sender != "":
		fromDisplay = n.Sender
	}
	fromDisplay = truncateField(fromDisplay)

	locKey, locArgs := decide(n, fromDisplay)

	var badge *int
	if n.Counts.Unread != nil {
		v := *n.Counts.Unread
		badge = &v
	}
	if n.Counts.MissedCalls != nil {
		if badge == nil {
			v := 0
			badge = &v
		}
		*badge += *n.Counts.MissedCalls
	}

	if locKey == "" && badge == nil {
		return nil, false
	}

	payload = map[string]interface{}{}
	if n.Type != "" && device.Data != nil {
		if dp, present, err := device.DefaultPayload(); present && err == nil {
			for k, v := range dp {
				payload[k] = v
			}
		}
	}

	aps, _ := payload["aps"].(map[string]interface{})
	if aps == nil {
		aps = map[string]interface{}{}
		payload["aps"] = aps
	}

	if locKey != "" {
		alert, _ := aps["alert"].(map[string]interface{})
		if alert == nil {
			alert = map[string]interface{}{}
			aps["alert"] = alert
		}
		alert["loc-key"] = locKey
		if len(locArgs) > 0 {
			argsIface := make([]interface{}, len(locArgs))
			for i, a := range locArgs {
				argsIface[i] = a
			}
			alert["loc-args"] = argsIface
		}
	}

	if badge != nil {
		aps["badge"] = *badge
	}

	if locKey != "" && n.RoomID != "" {
		payload["room_id"] = n.RoomID
	}
	if locKey != "" && n.EventID != "" {
		payload["event_id"] = n.EventID
	}

	return payload, true
}

// decide implements the loc-key decision table of §4.3.
func decide(n notification.Notification, fromDisplay string) (locKey string, locArgs []string) {
	switch n.Type {
	case "m.room.message", "m.room.encrypted":
		return decideRoomMessage(n, fromDisplay)
	case "m.call.invite":
		return decideCallInvite(n, fromDisplay)
	case "m.room.member":
		return decideRoomMember(n, fromDisplay)
	case "":
		return "", nil
	default:
		return "MSG_FROM_USER", []string{fromDisplay}
	}
}

func decideRoomMessage(n notification.Notification, fromDisplay string) (string, []string) {
	var roomDisplay string
	switch {
	case n.RoomName != "":
		roomDisplay = truncateField(n.RoomName)
	case n.RoomAlias != "":
		roomDisplay = truncateField(n.RoomAlias)
	}

	var contentDisplay, actionDisplay string
	isImage := false
	if n.Content != nil {
		msgtype, _ := n.Content["msgtype"].(string)
		body, hasBody := n.Content["body"].(string)
		if msgtype != "" && hasBody {
			switch msgtype {
			case "m.text":
				contentDisplay = body
			case "m.emote":
				actionDisplay = body
			default:
				contentDisplay = body
			}
			if msgtype == "m.image" {
				isImage = true
			}
		}
	}

	if roomDisplay != "" {
		switch {
		case isImage:
			return "IMAGE_FROM_USER_IN_ROOM", []string{fromDisplay, contentDisplay, roomDisplay}
		case contentDisplay != "":
			return "MSG_FROM_USER_IN_ROOM_WITH_CONTENT", []string{fromDisplay, roomDisplay, contentDisplay}
		case actionDisplay != "":
			return "ACTION_FROM_USER_IN_ROOM", []string{roomDisplay, fromDisplay, actionDisplay}
		default:
			return "MSG_FROM_USER_IN_ROOM", []string{fromDisplay, roomDisplay}
		}
	}

	switch {
	case isImage:
		return "IMAGE_FROM_USER", []string{fromDisplay, contentDisplay}
	case contentDisplay != "":
		return "MSG_FROM_USER_WITH_CONTENT", []string{fromDisplay, contentDisplay}
	case actionDisplay != "":
		return "ACTION_FROM_USER", []string{fromDisplay, actionDisplay}
	default:
		return "MSG_FROM_USER", []string{fromDisplay}
	}
}

func decideCallInvite(n notification.Notification, fromDisplay string) (string, []string) {
	isVideo := false
	if n.Content != nil {
		if offer, ok := n.Content["offer"].(map[string]interface{}); ok {
			if sdp, ok := offer["sdp"].(string); ok && strings.Contains(sdp, "m=video") {
				isVideo = true
			}
		}
	}
	if isVideo {
		return "VIDEO_CALL_FROM_USER", []string{fromDisplay}
	}
	return "VOICE_CALL_FROM_USER", []string{fromDisplay}
}

func decideRoomMember(n notification.Notification, fromDisplay string) (string, []string) {
	if !n.UserIsTarget || n.Membership != "invite" {
		return "", nil
	}
	switch {
	case n.RoomName != "":
		return "USER_INVITE_TO_NAMED_ROOM", []string{fromDisplay, truncateField(n.RoomName)}
	case n.RoomAlias != "":
		return "USER_INVITE_TO_NAMED_ROOM", []string{fromDisplay, truncateField(n.RoomAlias)}
	default:
		return "USER_INVITE_TO_CHAT", []string{fromDisplay}
	}
}

func truncateField(s string) string {
	if len(s) <= MaxFieldLength {
		return s
	}
	return s[:MaxFieldLength]
}
