package enforcement

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/iamwavecut/doorman/internal/db"
)

// AdminAction is the verb carried by admin notification buttons.
type AdminAction string

const (
	ActionApprove AdminAction = "ap"
	ActionBan     AdminAction = "bn"
	ActionUnban   AdminAction = "ub"
	ActionSpam    AdminAction = "sp"

	adminPrefix = "adm:"
)

// EncodeAdminCallback packs an action and identity into callback data short enough for
// the 64 byte platform limit.
func EncodeAdminCallback(action AdminAction, id db.Identity) string {
	return adminPrefix + string(action) + ":" + encodeChatID(id.ChatID) + "." + encodeUint64Min(uint64(id.UserID))
}

func IsAdminCallback(data string) bool {
	return strings.HasPrefix(data, adminPrefix)
}

func DecodeAdminCallback(data string) (AdminAction, db.Identity, error) {
	rest, ok := strings.CutPrefix(data, adminPrefix)
	if !ok {
		return "", db.Identity{}, fmt.Errorf("not an admin callback: %q", data)
	}
	action, ids, ok := strings.Cut(rest, ":")
	if !ok {
		return "", db.Identity{}, fmt.Errorf("malformed admin callback: %q", data)
	}
	switch AdminAction(action) {
	case ActionApprove, ActionBan, ActionUnban, ActionSpam:
	default:
		return "", db.Identity{}, fmt.Errorf("unknown admin action %q", action)
	}
	chatPart, userPart, ok := strings.Cut(ids, ".")
	if !ok {
		return "", db.Identity{}, fmt.Errorf("malformed admin callback: %q", data)
	}
	chatID, err := decodeChatID(chatPart)
	if err != nil {
		return "", db.Identity{}, err
	}
	userID, err := decodeUint64Min(userPart)
	if err != nil {
		return "", db.Identity{}, err
	}
	return AdminAction(action), db.Identity{UserID: int64(userID), ChatID: chatID}, nil
}

func encodeChatID(chatID int64) string {
	negative := chatID < 0
	if negative {
		chatID = -chatID
	}
	encoded := encodeUint64Min(uint64(chatID))
	if negative {
		return "~" + encoded
	}
	return encoded
}

func decodeChatID(value string) (int64, error) {
	value, negative := strings.CutPrefix(value, "~")
	id, err := decodeUint64Min(value)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id: %w", err)
	}
	if negative {
		return -int64(id), nil
	}
	return int64(id), nil
}

func encodeUint64Min(value uint64) string {
	if value == 0 {
		return base64.RawURLEncoding.EncodeToString([]byte{0})
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, value)
	i := 0
	for i < len(buf) && buf[i] == 0 {
		i++
	}
	return base64.RawURLEncoding.EncodeToString(buf[i:])
}

func decodeUint64Min(value string) (uint64, error) {
	data, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return 0, fmt.Errorf("invalid id: %w", err)
	}
	if len(data) == 0 || len(data) > 8 {
		return 0, fmt.Errorf("invalid id length")
	}
	if len(data) < 8 {
		padded := make([]byte, 8-len(data))
		data = append(padded, data...)
	}
	return binary.BigEndian.Uint64(data), nil
}
