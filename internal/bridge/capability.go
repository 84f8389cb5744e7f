package bridge

import (
	"github.com/wudi/fabric/internal/errors"
)

// Capability names form a fixed closed set. Declaring a capability the
// adapter does not implement, or an unknown capability, fails registration.
type Capability string

const (
	CapEditMessage      Capability = "edit_message"
	CapSendMedia        Capability = "send_media"
	CapEditMedia        Capability = "edit_media"
	CapVerifyWebhook    Capability = "verify_webhook"
	CapParseEvent       Capability = "parse_event"
	CapListeners        Capability = "listener_child_specs"
	CapCheckHealth      Capability = "check_health"
	CapThreads          Capability = "threads"
	CapMentions         Capability = "mentions"
	CapCommandHint      Capability = "command_hint"
	CapVerifySender     Capability = "verify_sender"
	CapSanitizeOutbound Capability = "sanitize_outbound"
)

// capabilityChecks maps each known capability to the interface satisfaction
// test for its callback.
var capabilityChecks = map[Capability]func(Adapter) bool{
	CapEditMessage:      func(a Adapter) bool { _, ok := a.(EditSender); return ok },
	CapSendMedia:        func(a Adapter) bool { _, ok := a.(MediaSender); return ok },
	CapEditMedia:        func(a Adapter) bool { _, ok := a.(MediaEditor); return ok },
	CapVerifyWebhook:    func(a Adapter) bool { _, ok := a.(WebhookVerifier); return ok },
	CapParseEvent:       func(a Adapter) bool { _, ok := a.(EventParser); return ok },
	CapListeners:        func(a Adapter) bool { _, ok := a.(ListenerProvider); return ok },
	CapCheckHealth:      func(a Adapter) bool { _, ok := a.(HealthChecker); return ok },
	CapThreads:          func(a Adapter) bool { _, ok := a.(ThreadAware); return ok },
	CapMentions:         func(a Adapter) bool { _, ok := a.(MentionParser); return ok },
	CapCommandHint:      func(a Adapter) bool { _, ok := a.(CommandHinter); return ok },
	CapVerifySender:     func(a Adapter) bool { _, ok := a.(SenderVerifier); return ok },
	CapSanitizeOutbound: func(a Adapter) bool { _, ok := a.(OutboundSanitizer); return ok },
}

// CheckCapabilities validates a declared capability set against an adapter.
func CheckCapabilities(adapter Adapter, caps []Capability) error {
	for _, c := range caps {
		check, known := capabilityChecks[c]
		if !known {
			return errors.Newf(errors.ReasonUnknownCapability, "capability %q is not in the contract set", c)
		}
		if !check(adapter) {
			return errors.Newf(errors.ReasonMissingCallback, "capability %q declared but callback not implemented", c)
		}
	}
	return nil
}

// DetectCapabilities infers the capability set from interface satisfaction,
// used when an adapter does not declare one explicitly.
func DetectCapabilities(adapter Adapter) []Capability {
	var caps []Capability
	for _, c := range []Capability{
		CapEditMessage, CapSendMedia, CapEditMedia, CapVerifyWebhook,
		CapParseEvent, CapListeners, CapCheckHealth, CapThreads,
		CapMentions, CapCommandHint, CapVerifySender, CapSanitizeOutbound,
	} {
		if capabilityChecks[c](adapter) {
			caps = append(caps, c)
		}
	}
	return caps
}

// AdapterCapabilities resolves the effective capability set: an explicit
// declaration when present, otherwise inference.
func AdapterCapabilities(adapter Adapter) []Capability {
	if d, ok := adapter.(CapabilityDeclarer); ok {
		return d.Capabilities()
	}
	return DetectCapabilities(adapter)
}
