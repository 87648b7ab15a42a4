package session

import "time"

// PresenceEntry is one participant's presence as seen by viewers. A
// participant with several open sockets (multiple tabs) appears once.
type PresenceEntry struct {
	ParticipantID string    `json:"participantId"`
	ClientID      string    `json:"clientId,omitempty"`
	JoinedAt      time.Time `json:"joinedAt"`
}

// presenceSnapshot collapses viewer sockets to unique participants, keeping
// the earliest join time per participant.
func presenceSnapshot(reg *Registry) []PresenceEntry {
	byParticipant := make(map[string]PresenceEntry)
	for _, v := range reg.Viewers() {
		e, ok := byParticipant[v.ParticipantID]
		if !ok || v.JoinedAt.Before(e.JoinedAt) {
			byParticipant[v.ParticipantID] = PresenceEntry{
				ParticipantID: v.ParticipantID,
				ClientID:      v.ClientID,
				JoinedAt:      v.JoinedAt,
			}
		}
	}
	out := make([]PresenceEntry, 0, len(byParticipant))
	for _, e := range byParticipant {
		out = append(out, e)
	}
	return out
}

// broadcastPresence sends a full presence_sync to every viewer. Sent on
// every join and leave; the full-list form makes the frame idempotent for
// late or reconnecting viewers.
func (a *Actor) broadcastPresence() {
	a.registry.Broadcast(map[string]any{
		"type":         MsgPresenceSync,
		"participants": presenceSnapshot(a.registry),
	})
}

// broadcastTyping relays a typing indicator to every other viewer.
func (a *Actor) broadcastTyping(fromSocketID, participantID string, typing bool) {
	a.registry.BroadcastExcept(fromSocketID, map[string]any{
		"type":          MsgPresenceUpdate,
		"participantId": participantID,
		"typing":        typing,
	})
}
