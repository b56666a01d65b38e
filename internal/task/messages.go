package task

import (
	"time"

	"github.com/google/uuid"

	"github.com/mizy/claude-agent-hub/internal/storage"
)

// AppendMessage records a user message for a running task. The whole document
// is rewritten under the file's own lock so concurrent senders never lose a
// message.
func (s *Store) AppendMessage(taskID, content, source string) (*Message, error) {
	msg := &Message{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Content:   content,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
	path := s.layout.MessagesFile(taskID)
	lock := storage.NewFileLock(path + ".lock")
	err := lock.WithLock(func() error {
		msgs, _ := storage.ReadJSON(path, storage.ReadOptions[[]*Message]{})
		msgs = append(msgs, msg)
		return storage.WriteJSON(path, msgs, storage.WriteOptions{})
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// DrainMessages returns all unconsumed messages and marks them consumed in the
// same locked write, so each message reaches the backend exactly once.
func (s *Store) DrainMessages(taskID string) ([]*Message, error) {
	path := s.layout.MessagesFile(taskID)
	lock := storage.NewFileLock(path + ".lock")
	var drained []*Message
	err := lock.WithLock(func() error {
		msgs, _ := storage.ReadJSON(path, storage.ReadOptions[[]*Message]{})
		for _, m := range msgs {
			if !m.Consumed {
				m.Consumed = true
				drained = append(drained, m)
			}
		}
		if len(drained) == 0 {
			return nil
		}
		return storage.WriteJSON(path, msgs, storage.WriteOptions{})
	})
	if err != nil {
		return nil, err
	}
	return drained, nil
}

// Messages reads all messages without consuming them.
func (s *Store) Messages(taskID string) ([]*Message, error) {
	return storage.ReadJSON(s.layout.MessagesFile(taskID), storage.ReadOptions[[]*Message]{})
}
