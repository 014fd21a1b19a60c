package domain

// ConnID identifies one accepted relay connection. A participant that
// reconnects gets a new ConnID while keeping its ParticipantID.
type ConnID string

// Member represents a participant's presence in a room.
// No transport or lifecycle logic here.
type Member struct {
	Participant ParticipantID `json:"id"`
	Conn        ConnID        `json:"-"`
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(p ParticipantID, conn ConnID) *Member {
	return &Member{Participant: p, Conn: conn}
}
