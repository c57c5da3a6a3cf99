package channels

import "strings"

// GroupPolicy controls whether group-chat traffic is admitted at all.
type GroupPolicy string

const (
	GroupsOpen      GroupPolicy = "open"
	GroupsAllowlist GroupPolicy = "allowlist"
	GroupsDisabled  GroupPolicy = "disabled"
)

const Wildcard = "*"

// Policy is a channel's message-filtering configuration. A message that the
// policy rejects is dropped before it ever reaches a subscriber.
type Policy struct {
	// AllowFrom lists sender addresses admitted for direct messages.
	// Empty means everyone; the wildcard entry "*" does the same
	// explicitly.
	AllowFrom []string

	// Groups decides whether group messages are admitted.
	Groups GroupPolicy

	// AllowGroups lists group identifiers admitted when Groups is
	// "allowlist".
	AllowGroups []string

	// RequireMention drops group messages that do not mention the bot.
	RequireMention bool
}

// AllowsSender reports whether a direct message from the given address
// passes the allow-list.
func (p Policy) AllowsSender(addr string) bool {
	return matchList(p.AllowFrom, addr)
}

// AllowsGroup reports whether group traffic from the given group identifier
// is admitted. The mention requirement is checked separately by the adapter,
// since detecting a mention is network-specific.
func (p Policy) AllowsGroup(groupID string) bool {
	switch p.Groups {
	case GroupsDisabled:
		return false
	case GroupsAllowlist:
		if len(p.AllowGroups) == 0 {
			return false
		}
		return matchList(p.AllowGroups, groupID)
	default:
		return true
	}
}

func matchList(list []string, value string) bool {
	if len(list) == 0 {
		return true
	}
	value = strings.TrimSpace(value)
	for _, entry := range list {
		entry = strings.TrimSpace(entry)
		if entry == Wildcard || entry == value {
			return true
		}
	}
	return false
}
