package signal

// Event names are stable strings under the "fabric" root.
const (
	EventMessageReceived = "fabric.message.received"
	EventMessageSent     = "fabric.message.sent"
	EventMessageFailed   = "fabric.message.failed"

	EventRoomMessageAdded      = "fabric.room.message_added"
	EventRoomParticipantJoined = "fabric.room.participant_joined"
	EventRoomParticipantLeft   = "fabric.room.participant_left"

	EventPresenceChanged = "fabric.participant.presence_changed"
	EventTyping          = "fabric.participant.typing"
	EventThreadCreated   = "fabric.thread.created"

	EventOutboundCompleted       = "fabric.outbound.completed"
	EventOutboundClassifiedError = "fabric.outbound.classified_error"
	EventDeliverySkippedDup      = "fabric.delivery.skipped_duplicate"
	EventPressureTransition      = "fabric.pressure.transition"
	EventPressureAction          = "fabric.pressure.action"
	EventMediaFallback           = "fabric.media.fallback"

	EventSessionRouteSet      = "fabric.session_route.set"
	EventSessionRouteResolved = "fabric.session_route.resolved"
	EventSessionRouteFallback = "fabric.session_route.fallback"
	EventSessionRouteStale    = "fabric.session_route.stale"
	EventSessionRouteEvicted  = "fabric.session_route.evicted"
	EventSessionRoutePruned   = "fabric.session_route.pruned"

	EventInstanceStatus     = "fabric.instance.status"
	EventListenerRestart    = "fabric.instance.listener_restart"
	EventReconnectScheduled = "fabric.instance.reconnect_scheduled"
	EventReconnectAttempt   = "fabric.instance.reconnect_attempt"
	EventReconnectExhausted = "fabric.instance.reconnect_exhausted"

	EventManifestLoad = "fabric.bridge_registry.manifest.load"
	EventBootstrap    = "fabric.bridge_registry.bootstrap"

	EventSecurityDecision = "fabric.security.decision"
	EventPolicyDecision   = "fabric.ingest.policy.decision"

	EventDeadLetterCaptured = "fabric.dead_letter.captured"
	EventDeadLetterReplayed = "fabric.dead_letter.replayed"

	EventOnboardingTransition = "fabric.onboarding.transition"
)
