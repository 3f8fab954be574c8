package db

import (
	"encoding/json"
	"errors"

	"gorm.io/datatypes"
)

// AppendEvent writes one event row. Failures are the caller's to log; the
// event log must never block game flow.
func (s *CardStore) AppendEvent(roomCode, eventType string, payload map[string]any) error {
	if s.conn == nil {
		return errors.New("db connection is nil")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	event := Event{
		RoomCode: roomCode,
		Type:     eventType,
		Payload:  datatypes.JSON(data),
	}
	return s.conn.Create(&event).Error
}
