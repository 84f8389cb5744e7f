// Package storage defines the persistence contract for the canonical
// entity graph and provides an in-memory reference implementation.
package storage

import (
	"github.com/wudi/fabric/internal/model"
)

// RoomAttrs are the attributes applied when a room is created through an
// external-binding upsert.
type RoomAttrs struct {
	Type model.RoomType
	Name string
}

// ParticipantAttrs are the attributes applied when a participant is created
// through an external-id upsert.
type ParticipantAttrs struct {
	Type     model.ParticipantType
	Identity map[string]string
}

// DirectoryQuery filters the participant directory. Name matches by
// case-insensitive substring; Channel+ExternalID match by equality. Provided
// predicates are combined with AND.
type DirectoryQuery struct {
	Name       string
	Channel    string
	ExternalID string
}

// Store is the persistence contract. Implementations never panic on missing
// keys; absence surfaces as a typed not_found error.
type Store interface {
	// Rooms.
	CreateRoom(room *model.Room) (*model.Room, error)
	GetRoom(id string) (*model.Room, error)
	UpdateRoom(room *model.Room) error
	DeleteRoom(id string) error
	// GetOrCreateRoomByExternalBinding resolves or creates the room bound to
	// (channel, instanceID, externalRoomID). Idempotent under concurrent
	// callers: racing creators converge on a single room. The second return
	// reports whether this call created the room.
	GetOrCreateRoomByExternalBinding(channel, instanceID, externalRoomID string, attrs RoomAttrs) (*model.Room, bool, error)
	GetRoomByExternalBinding(channel, instanceID, externalRoomID string) (*model.Room, error)

	// Participants.
	CreateParticipant(p *model.Participant) (*model.Participant, error)
	GetParticipant(id string) (*model.Participant, error)
	UpdateParticipant(p *model.Participant) error
	GetOrCreateParticipantByExternalID(channel, externalUserID string, attrs ParticipantAttrs) (*model.Participant, bool, error)
	SetPresence(id string, presence model.Presence) error

	// Messages. SaveMessage additionally indexes by (channel, bridge_id,
	// external_id) when the metadata carries both fields.
	SaveMessage(m *model.Message) error
	GetMessage(id string) (*model.Message, error)
	// GetMessages returns up to limit most recent messages of a room in
	// chronological order.
	GetMessages(roomID string, limit int) ([]*model.Message, error)
	GetMessageByExternalID(channel, bridgeID, externalID string) (*model.Message, error)
	AddReaction(messageID, emoji, participantID string) error
	RemoveReaction(messageID, emoji, participantID string) error
	SetReceipt(messageID, participantID string, receipt model.Receipt) error

	// Room bindings. The (room_id, channel, instance_id, external_room_id)
	// tuple is unique; creating an existing tuple returns the existing
	// binding.
	CreateRoomBinding(b *model.RoomBinding) (*model.RoomBinding, error)
	ListRoomBindings(roomID string) ([]*model.RoomBinding, error)
	DeleteRoomBinding(id string) error

	// Directory. SearchDirectory returns matches ordered by id for
	// determinism. LookupDirectory requires exactly one match and reports
	// not_found or ambiguous otherwise.
	SearchDirectory(q DirectoryQuery) ([]*model.Participant, error)
	LookupDirectory(q DirectoryQuery) (*model.Participant, error)

	// Routing policies.
	SaveRoutingPolicy(p *model.RoutingPolicy) error
	GetRoutingPolicy(roomID string) (*model.RoutingPolicy, error)

	// Dead letters.
	SaveDeadLetter(dl *model.DeadLetter) error
	GetDeadLetter(id string) (*model.DeadLetter, error)
	UpdateDeadLetter(dl *model.DeadLetter) error
	DeleteDeadLetter(id string) error

	// Onboarding flows.
	SaveOnboardingFlow(f *model.OnboardingFlow) error
	GetOnboardingFlow(id string) (*model.OnboardingFlow, error)
}
