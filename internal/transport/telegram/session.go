package telegram

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

// session is the persisted credential: which bot was paired, by whom, and the
// phone -> chat mapping learned from shared contacts.
type session struct {
	BotID       int64            `json:"bot_id"`
	OwnerChatID int64            `json:"owner_chat_id"`
	PairedAt    time.Time        `json:"paired_at"`
	Recipients  map[string]int64 `json:"recipients"`
}

var errForeignSession = errors.New("session belongs to another bot")

func decodeSession(raw []byte, botID int64) (*session, error) {
	var s session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if s.BotID == 0 || s.OwnerChatID == 0 {
		return nil, errors.New("session is incomplete")
	}
	if s.BotID != botID {
		return nil, fmt.Errorf("%w (bot %d)", errForeignSession, s.BotID)
	}
	if s.Recipients == nil {
		s.Recipients = map[string]int64{}
	}
	return &s, nil
}

func (s *session) encode() ([]byte, error) {
	return json.Marshal(s)
}

func (s *session) clone() *session {
	c := *s
	c.Recipients = maps.Clone(s.Recipients)
	return &c
}

// phoneDigits reduces a contact phone number to digits, matching the relay's
// recipient IDs.
func phoneDigits(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func deepLink(username, code string) string {
	return "https://t.me/" + strings.TrimPrefix(username, "@") + "?start=" + code
}
