package message

import (
	"fmt"
	"time"

	"github.com/pedrosland/chatkit/internal/bus"
	"github.com/pedrosland/chatkit/internal/model"
)

// typingKey identifies one typing indicator. A composite key, not a string
// concatenation, so "dialog1"+"23" can never collide with "dialog12"+"3".
type typingKey struct {
	DialogID string
	UserID   int
}

// SendTyping transmits a typing signal to the opponent or room of the
// explicit or selected dialog.
func (s *Store) SendTyping(d *model.Dialog) error {
	target, opponent, err := s.resolveTarget(d)
	if err != nil {
		return err
	}
	if err := s.tr.SendTypingStatus(sendTarget(&target, opponent), true); err != nil {
		return fmt.Errorf("send typing status: %w", err)
	}
	return nil
}

// HandleTyping applies an inbound typing signal. A repeat signal restarts
// the expiry timer; an explicit stop and a timer expiry clear the entry
// identically. Signals from the current user are dropped.
func (s *Store) HandleTyping(isTyping bool, userID int, dialogID string) {
	if userID == s.selfID() {
		return
	}
	if !isTyping {
		s.stopTyping(userID, dialogID)
		return
	}

	key := typingKey{DialogID: dialogID, UserID: userID}
	s.mu.Lock()
	if s.typing[dialogID] == nil {
		s.typing[dialogID] = make(map[int]bool)
	}
	s.typing[dialogID][userID] = true
	// Replace the timer atomically with the state update so a stale expiry
	// can never fire after a fresh "still typing" signal.
	if timer, ok := s.typingTimers[key]; ok {
		timer.Stop()
	}
	s.typingTimers[key] = time.AfterFunc(s.typingTimeout, func() {
		s.stopTyping(userID, dialogID)
	})
	s.mu.Unlock()

	s.publishTyping()
}

// TypingStatus returns a deep copy of the per-dialog typing state.
func (s *Store) TypingStatus() map[string]map[int]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]map[int]bool, len(s.typing))
	for dialogID, users := range s.typing {
		if len(users) == 0 {
			continue
		}
		copied := make(map[int]bool, len(users))
		for id, v := range users {
			copied[id] = v
		}
		out[dialogID] = copied
	}
	return out
}

func (s *Store) stopTyping(userID int, dialogID string) {
	key := typingKey{DialogID: dialogID, UserID: userID}
	s.mu.Lock()
	changed := false
	if users, ok := s.typing[dialogID]; ok && users[userID] {
		delete(users, userID)
		if len(users) == 0 {
			delete(s.typing, dialogID)
		}
		changed = true
	}
	if timer, ok := s.typingTimers[key]; ok {
		timer.Stop()
		delete(s.typingTimers, key)
	}
	s.mu.Unlock()

	if changed {
		s.publishTyping()
	}
}

func (s *Store) publishTyping() {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: bus.KindTypingChanged, Timestamp: time.Now(), Payload: s.TypingStatus()})
}
