// Package ingest converts normalized inbound events into persisted canonical
// messages. The pipeline order is fixed: room upsert, participant upsert,
// message build, reply resolution, gating, moderation, sender verification,
// persist. Denials leave the room and participant upserts in place but never
// persist the message or emit message signals.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/fabric/internal/bridge"
	"github.com/wudi/fabric/internal/logging"
	"github.com/wudi/fabric/internal/model"
	"github.com/wudi/fabric/internal/policy"
	"github.com/wudi/fabric/internal/security"
	"github.com/wudi/fabric/internal/signal"
	"github.com/wudi/fabric/internal/storage"
)

// Context describes where an ingested message landed.
type Context struct {
	Room           *model.Room
	Participant    *model.Participant
	Channel        string
	InstanceID     string
	BridgeID       string
	ExternalRoomID string
	ChatType       string
	WasMentioned   bool
	RoomCreated    bool
}

// Options wires an ingestor.
type Options struct {
	Store    storage.Store
	Pipeline *policy.Pipeline
	Security *security.Checker
	Bus      *signal.Bus
	// SelfID is the external id the fabric answers to; used for mention
	// detection on adapters that parse mentions.
	SelfID string
}

// Ingestor runs the inbound pipeline.
type Ingestor struct {
	opts Options
}

// New creates an ingestor.
func New(opts Options) *Ingestor {
	return &Ingestor{opts: opts}
}

// IngestIncoming runs the full pipeline for one normalized event and returns
// the persisted message with its resolution context.
func (i *Ingestor) IngestIncoming(ctx context.Context, adapter bridge.Adapter, instanceID string, inc *model.Incoming, raw []byte, opts map[string]any) (*model.Message, *Context, error) {
	channel := adapter.ChannelType()
	store := i.opts.Store

	room, created, err := store.GetOrCreateRoomByExternalBinding(channel, instanceID, inc.ExternalRoomID, storage.RoomAttrs{
		Type: model.RoomTypeForChat(inc.ChatType),
		Name: inc.ExternalRoomID,
	})
	if err != nil {
		return nil, nil, err
	}

	identity := map[string]string{}
	if inc.Username != "" {
		identity["username"] = inc.Username
	}
	if inc.DisplayName != "" {
		identity["display_name"] = inc.DisplayName
	}
	participant, _, err := store.GetOrCreateParticipantByExternalID(channel, inc.ExternalUserID, storage.ParticipantAttrs{
		Type:     model.ParticipantHuman,
		Identity: identity,
	})
	if err != nil {
		return nil, nil, err
	}

	msg := i.buildMessage(room, participant, channel, instanceID, inc)
	i.resolveReply(adapter, channel, instanceID, inc, msg)

	ic := &Context{
		Room:           room,
		Participant:    participant,
		Channel:        channel,
		InstanceID:     instanceID,
		BridgeID:       instanceID,
		ExternalRoomID: inc.ExternalRoomID,
		ChatType:       inc.ChatType,
		RoomCreated:    created,
	}
	if mp, ok := adapter.(bridge.MentionParser); ok && i.opts.SelfID != "" {
		ic.WasMentioned = mp.WasMentioned(inc, i.opts.SelfID)
	}

	pc := &policy.Context{
		Channel:    channel,
		BridgeID:   instanceID,
		InstanceID: instanceID,
		Incoming:   inc,
		Room:       room,
		Sender:     participant,
	}

	var flags []string
	if i.opts.Pipeline != nil {
		gateFlags, err := i.opts.Pipeline.RunGating(ctx, pc)
		if err != nil {
			return nil, nil, err
		}
		flags = append(flags, gateFlags...)

		moderated, modFlags, err := i.opts.Pipeline.RunModeration(ctx, msg, pc)
		if err != nil {
			return nil, nil, err
		}
		msg = moderated
		flags = append(flags, modFlags...)
	}

	if i.opts.Security != nil {
		verify, err := i.opts.Security.VerifySender(ctx, adapter, inc, raw, opts)
		if err != nil {
			return nil, nil, err
		}
		flags = append(flags, verify.Flags...)
		msg.Metadata["security"] = map[string]any{
			"verify": map[string]any{"decision": verify.Decision},
		}
	}

	if len(flags) > 0 {
		msg.Metadata["policy"] = map[string]any{"flags": flags}
	}

	if err := store.SaveMessage(msg); err != nil {
		return nil, nil, err
	}

	i.opts.Bus.Emit(signal.EventMessageReceived,
		signal.Measurements{"count": 1},
		signal.Metadata{
			"channel":   channel,
			"bridge_id": instanceID,
			"room_id":   room.ID,
			"room_type": string(room.Type),
		},
	)
	logging.Debug("Ingested inbound message",
		zap.String("channel", channel),
		zap.String("bridge_id", instanceID),
		zap.String("room_id", room.ID),
		zap.String("message_id", msg.ID),
	)
	return msg, ic, nil
}

func (i *Ingestor) buildMessage(room *model.Room, sender *model.Participant, channel, instanceID string, inc *model.Incoming) *model.Message {
	var content []model.ContentBlock
	if inc.Text != "" {
		content = []model.ContentBlock{model.TextBlock(inc.Text)}
	}
	ts := inc.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &model.Message{
		ID:         uuid.NewString(),
		RoomID:     room.ID,
		SenderID:   sender.ID,
		Role:       model.RoleUser,
		Content:    content,
		ExternalID: inc.ExternalMessageID,
		Status:     model.StatusDelivered,
		Metadata: map[string]any{
			"channel":   channel,
			"bridge_id": instanceID,
			"timestamp": ts,
		},
		InsertedAt: time.Now().UTC(),
	}
}

// resolveReply maps the external reply id onto a stored message in the same
// (channel, bridge) scope; unresolvable references stay empty. Thread roots
// come from thread-aware adapters.
func (i *Ingestor) resolveReply(adapter bridge.Adapter, channel, instanceID string, inc *model.Incoming, msg *model.Message) {
	if inc.ExternalReplyToID != "" {
		if parent, err := i.opts.Store.GetMessageByExternalID(channel, instanceID, inc.ExternalReplyToID); err == nil {
			msg.ReplyToID = parent.ID
			msg.ThreadRootID = parent.ThreadRootID
			if msg.ThreadRootID == "" {
				msg.ThreadRootID = parent.ID
			}
		}
	}
	if ta, ok := adapter.(bridge.ThreadAware); ok && msg.ThreadRootID == "" {
		if root := ta.ComputeThreadRoot(inc); root != "" {
			if parent, err := i.opts.Store.GetMessageByExternalID(channel, instanceID, root); err == nil {
				msg.ThreadRootID = parent.ID
			}
		}
	}
}
