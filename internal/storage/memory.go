package storage

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wudi/fabric/internal/errors"
	"github.com/wudi/fabric/internal/model"
)

// MemoryStore is the in-memory reference implementation of Store. A single
// RWMutex guards all containers; the get-or-create upserts take the write
// lock for their whole check-then-insert step, which resolves racing
// creators onto one winner.
type MemoryStore struct {
	mu sync.RWMutex

	rooms        map[string]*model.Room
	roomBindIdx  map[string]string // channel|instance|externalRoomID -> room id
	participants map[string]*model.Participant
	partExtIdx   map[string]string // channel|externalUserID -> participant id

	messages  map[string]*model.Message
	msgExtIdx map[string]string   // channel|bridge|externalID -> message id
	roomMsgs  map[string][]string // room id -> message ids in insertion order

	bindings      map[string]*model.RoomBinding
	roomBindings  map[string][]string // room id -> binding ids in insertion order
	bindingTuples map[string]string   // room|channel|instance|externalRoomID -> binding id

	policies    map[string]*model.RoutingPolicy
	deadLetters map[string]*model.DeadLetter
	onboarding  map[string]*model.OnboardingFlow
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:         make(map[string]*model.Room),
		roomBindIdx:   make(map[string]string),
		participants:  make(map[string]*model.Participant),
		partExtIdx:    make(map[string]string),
		messages:      make(map[string]*model.Message),
		msgExtIdx:     make(map[string]string),
		roomMsgs:      make(map[string][]string),
		bindings:      make(map[string]*model.RoomBinding),
		roomBindings:  make(map[string][]string),
		bindingTuples: make(map[string]string),
		policies:      make(map[string]*model.RoutingPolicy),
		deadLetters:   make(map[string]*model.DeadLetter),
		onboarding:    make(map[string]*model.OnboardingFlow),
	}
}

func key2(a, b string) string       { return a + "|" + b }
func key3(a, b, c string) string    { return a + "|" + b + "|" + c }
func key4(a, b, c, d string) string { return a + "|" + b + "|" + c + "|" + d }

// --- Rooms ---

func (s *MemoryStore) CreateRoom(room *model.Room) (*model.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if room.ID == "" {
		room.ID = uuid.NewString()
	}
	if room.Type == "" {
		room.Type = model.RoomDirect
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	s.rooms[room.ID] = room
	return room, nil
}

func (s *MemoryStore) GetRoom(id string) (*model.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return room, nil
}

func (s *MemoryStore) UpdateRoom(room *model.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.ID]; !ok {
		return errors.ErrNotFound
	}
	s.rooms[room.ID] = room
	return nil
}

func (s *MemoryStore) DeleteRoom(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[id]; !ok {
		return errors.ErrNotFound
	}
	delete(s.rooms, id)
	delete(s.roomMsgs, id)
	return nil
}

func (s *MemoryStore) GetOrCreateRoomByExternalBinding(channel, instanceID, externalRoomID string, attrs RoomAttrs) (*model.Room, bool, error) {
	idx := key3(channel, instanceID, externalRoomID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if roomID, ok := s.roomBindIdx[idx]; ok {
		if room, ok := s.rooms[roomID]; ok {
			return room, false, nil
		}
	}

	roomType := attrs.Type
	if roomType == "" {
		roomType = model.RoomDirect
	}
	room := &model.Room{
		ID:        uuid.NewString(),
		Type:      roomType,
		Name:      attrs.Name,
		CreatedAt: time.Now().UTC(),
		ExternalBindings: map[string]map[string]string{
			channel: {instanceID: externalRoomID},
		},
	}
	s.rooms[room.ID] = room
	s.roomBindIdx[idx] = room.ID
	return room, true, nil
}

func (s *MemoryStore) GetRoomByExternalBinding(channel, instanceID, externalRoomID string) (*model.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roomID, ok := s.roomBindIdx[key3(channel, instanceID, externalRoomID)]
	if !ok {
		return nil, errors.ErrNotFound
	}
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return room, nil
}

// --- Participants ---

func (s *MemoryStore) CreateParticipant(p *model.Participant) (*model.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Type == "" {
		p.Type = model.ParticipantHuman
	}
	if p.Presence == "" {
		p.Presence = model.PresenceOffline
	}
	s.participants[p.ID] = p
	for channel, extID := range p.ExternalIDs {
		s.partExtIdx[key2(channel, extID)] = p.ID
	}
	return p, nil
}

func (s *MemoryStore) GetParticipant(id string) (*model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) UpdateParticipant(p *model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[p.ID]; !ok {
		return errors.ErrNotFound
	}
	s.participants[p.ID] = p
	for channel, extID := range p.ExternalIDs {
		s.partExtIdx[key2(channel, extID)] = p.ID
	}
	return nil
}

func (s *MemoryStore) GetOrCreateParticipantByExternalID(channel, externalUserID string, attrs ParticipantAttrs) (*model.Participant, bool, error) {
	idx := key2(channel, externalUserID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if pid, ok := s.partExtIdx[idx]; ok {
		if p, ok := s.participants[pid]; ok {
			return p, false, nil
		}
	}

	pType := attrs.Type
	if pType == "" {
		pType = model.ParticipantHuman
	}
	p := &model.Participant{
		ID:          uuid.NewString(),
		Type:        pType,
		Identity:    attrs.Identity,
		ExternalIDs: map[string]string{channel: externalUserID},
		Presence:    model.PresenceOffline,
	}
	s.participants[p.ID] = p
	s.partExtIdx[idx] = p.ID
	return p, true, nil
}

func (s *MemoryStore) SetPresence(id string, presence model.Presence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return errors.ErrNotFound
	}
	p.Presence = presence
	return nil
}

// --- Messages ---

func metaString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func (s *MemoryStore) SaveMessage(m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.InsertedAt.IsZero() {
		m.InsertedAt = time.Now().UTC()
	}

	channel := metaString(m.Metadata, "channel")
	bridgeID := metaString(m.Metadata, "bridge_id")
	if m.ExternalID != "" && channel != "" && bridgeID != "" {
		idx := key3(channel, bridgeID, m.ExternalID)
		if existing, ok := s.msgExtIdx[idx]; ok && existing != m.ID {
			return errors.New(errors.ReasonDuplicateExternal)
		}
		s.msgExtIdx[idx] = m.ID
	}

	if _, seen := s.messages[m.ID]; !seen {
		s.roomMsgs[m.RoomID] = append(s.roomMsgs[m.RoomID], m.ID)
	}
	s.messages[m.ID] = m
	return nil
}

func (s *MemoryStore) GetMessage(id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) GetMessages(roomID string, limit int) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.roomMsgs[roomID]
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	out := make([]*model.Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetMessageByExternalID(channel, bridgeID, externalID string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.msgExtIdx[key3(channel, bridgeID, externalID)]
	if !ok {
		return nil, errors.ErrNotFound
	}
	m, ok := s.messages[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) AddReaction(messageID, emoji, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return errors.ErrNotFound
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string]map[string]struct{})
	}
	if m.Reactions[emoji] == nil {
		m.Reactions[emoji] = make(map[string]struct{})
	}
	m.Reactions[emoji][participantID] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveReaction(messageID, emoji, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return errors.ErrNotFound
	}
	if set, ok := m.Reactions[emoji]; ok {
		delete(set, participantID)
		if len(set) == 0 {
			delete(m.Reactions, emoji)
		}
	}
	return nil
}

func (s *MemoryStore) SetReceipt(messageID, participantID string, receipt model.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return errors.ErrNotFound
	}
	if m.Receipts == nil {
		m.Receipts = make(map[string]model.Receipt)
	}
	m.Receipts[participantID] = receipt
	return nil
}

// --- Room bindings ---

func (s *MemoryStore) CreateRoomBinding(b *model.RoomBinding) (*model.RoomBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tuple := key4(b.RoomID, b.Channel, b.InstanceID, b.ExternalRoomID)
	if existingID, ok := s.bindingTuples[tuple]; ok {
		return s.bindings[existingID], nil
	}

	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Direction == "" {
		b.Direction = model.DirectionBoth
	}
	s.bindings[b.ID] = b
	s.bindingTuples[tuple] = b.ID
	s.roomBindings[b.RoomID] = append(s.roomBindings[b.RoomID], b.ID)

	// Inbound-capable bindings also feed the ingest binding index.
	if b.Direction.Ingestable() {
		s.roomBindIdx[key3(b.Channel, b.EffectiveBridgeID(), b.ExternalRoomID)] = b.RoomID
	}
	return b, nil
}

func (s *MemoryStore) ListRoomBindings(roomID string) ([]*model.RoomBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.roomBindings[roomID]
	out := make([]*model.RoomBinding, 0, len(ids))
	for _, id := range ids {
		if b, ok := s.bindings[id]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteRoomBinding(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[id]
	if !ok {
		return errors.ErrNotFound
	}
	delete(s.bindings, id)
	delete(s.bindingTuples, key4(b.RoomID, b.Channel, b.InstanceID, b.ExternalRoomID))
	ids := s.roomBindings[b.RoomID]
	for i, bid := range ids {
		if bid == id {
			s.roomBindings[b.RoomID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// --- Directory ---

func (s *MemoryStore) SearchDirectory(q DirectoryQuery) ([]*model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Participant
	nameNeedle := strings.ToLower(q.Name)
	for _, p := range s.participants {
		if q.Name != "" {
			name := p.Identity["name"]
			if !strings.Contains(strings.ToLower(name), nameNeedle) {
				continue
			}
		}
		if q.Channel != "" || q.ExternalID != "" {
			if p.ExternalIDs[q.Channel] != q.ExternalID {
				continue
			}
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) LookupDirectory(q DirectoryQuery) (*model.Participant, error) {
	matches, err := s.SearchDirectory(q)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, errors.ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return nil, errors.ErrAmbiguous
	}
}

// --- Routing policies ---

func (s *MemoryStore) SaveRoutingPolicy(p *model.RoutingPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.RoomID] = p
	return nil
}

func (s *MemoryStore) GetRoutingPolicy(roomID string) (*model.RoutingPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[roomID]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return p, nil
}

// --- Dead letters ---

func (s *MemoryStore) SaveDeadLetter(dl *model.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}
	if dl.Replay.Status == "" {
		dl.Replay.Status = model.ReplayNever
	}
	s.deadLetters[dl.ID] = dl
	return nil
}

func (s *MemoryStore) GetDeadLetter(id string) (*model.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dl, ok := s.deadLetters[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return dl, nil
}

func (s *MemoryStore) UpdateDeadLetter(dl *model.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deadLetters[dl.ID]; !ok {
		return errors.ErrNotFound
	}
	s.deadLetters[dl.ID] = dl
	return nil
}

func (s *MemoryStore) DeleteDeadLetter(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deadLetters[id]; !ok {
		return errors.ErrNotFound
	}
	delete(s.deadLetters, id)
	return nil
}

// --- Onboarding ---

func (s *MemoryStore) SaveOnboardingFlow(f *model.OnboardingFlow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.OnboardingID == "" {
		return errors.New(errors.ReasonInvalidOnboardingID)
	}
	s.onboarding[f.OnboardingID] = f
	return nil
}

func (s *MemoryStore) GetOnboardingFlow(id string) (*model.OnboardingFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.onboarding[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return f, nil
}
