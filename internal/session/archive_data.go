package session

import (
	"time"

	"github.com/tacmaplabs/tacmap/backend/internal/archive"
)

// archiveData captures the session's durable summary at teardown time.
func (r *Runtime) archiveData(now time.Time) (archive.SessionRecord, []archive.MessageRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hostCallsign := ""
	if host, ok := r.store.Player(r.hostID); ok {
		hostCallsign = host.Callsign
	}

	log := r.store.Messages()
	messages := make([]archive.MessageRecord, 0, len(log))
	for _, msg := range log {
		messages = append(messages, archive.MessageRecord{
			MessageID:  msg.ID,
			SessionID:  r.id,
			SenderID:   msg.SenderID,
			TeamID:     msg.TeamID,
			Visibility: string(msg.Visibility),
			Type:       string(msg.Type),
			Content:    msg.Content,
			SentAt:     msg.SentAt,
		})
	}

	record := archive.SessionRecord{
		SessionID:    r.id,
		CreatedAt:    r.createdAt,
		EndedAt:      now,
		HostCallsign: hostCallsign,
		PlayerCount:  r.store.PlayerCount(),
		MessageCount: len(log),
	}
	return record, messages
}
