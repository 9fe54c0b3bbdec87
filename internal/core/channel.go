package core

import (
	"fmt"
	"net/url"
	"strings"
)

// ChannelKind tells community channels apart from direct peer channels.
type ChannelKind int

const (
	// ChannelCommunity is a channel shared by every member of a community.
	ChannelCommunity ChannelKind = iota + 1
	// ChannelDirect is a channel between exactly two peers.
	ChannelDirect
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelCommunity:
		return "community"
	case ChannelDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// ChannelKey is the canonical identity of a conversation.
type ChannelKey string

const (
	communityPrefix = "community:"
	directPrefix    = "dm:"
)

// Channel describes a conversation and its participant set.
type Channel struct {
	Key         ChannelKey
	Kind        ChannelKind
	CommunityID string    // set for community channels
	Peers       [2]string // sorted; set for direct channels
}

// escapeID encodes an id so it never contains the key separator.
func escapeID(id string) string {
	return strings.ReplaceAll(url.PathEscape(id), ":", "%3A")
}

func unescapeID(part string) (string, error) {
	if part == "" || strings.Contains(part, ":") {
		return "", fmt.Errorf("malformed id %q", part)
	}
	return url.PathUnescape(part)
}

// ResolveCommunity returns the channel for a community id.
// An empty id yields a key that ParseChannelKey rejects.
func ResolveCommunity(communityID string) Channel {
	return Channel{
		Key:         ChannelKey(communityPrefix + escapeID(communityID)),
		Kind:        ChannelCommunity,
		CommunityID: communityID,
	}
}

// ResolveDirect returns the channel between two peers.
// Participant order does not matter: ResolveDirect(a, b) == ResolveDirect(b, a).
// Ids are escaped, so distinct pairs never share a key.
func ResolveDirect(peerA, peerB string) Channel {
	lo, hi := peerA, peerB
	if hi < lo {
		lo, hi = hi, lo
	}
	return Channel{
		Key:   ChannelKey(directPrefix + escapeID(lo) + ":" + escapeID(hi)),
		Kind:  ChannelDirect,
		Peers: [2]string{lo, hi},
	}
}

// ParseChannelKey rebuilds a Channel from its canonical key.
// Direct keys whose peers are out of order are normalized.
func ParseChannelKey(key ChannelKey) (Channel, error) {
	s := string(key)
	switch {
	case strings.HasPrefix(s, communityPrefix):
		id, err := unescapeID(strings.TrimPrefix(s, communityPrefix))
		if err != nil || id == "" {
			return Channel{}, fmt.Errorf("%w: %q", ErrBadChannelKey, s)
		}
		return ResolveCommunity(id), nil
	case strings.HasPrefix(s, directPrefix):
		parts := strings.Split(strings.TrimPrefix(s, directPrefix), ":")
		if len(parts) != 2 {
			return Channel{}, fmt.Errorf("%w: %q", ErrBadChannelKey, s)
		}
		lo, errLo := unescapeID(parts[0])
		hi, errHi := unescapeID(parts[1])
		if errLo != nil || errHi != nil || lo == "" || hi == "" {
			return Channel{}, fmt.Errorf("%w: %q", ErrBadChannelKey, s)
		}
		return ResolveDirect(lo, hi), nil
	default:
		return Channel{}, fmt.Errorf("%w: %q", ErrBadChannelKey, s)
	}
}

// HasParticipant reports whether userID may read the channel.
// Community membership is not tracked here, so community channels admit everyone.
func (c Channel) HasParticipant(userID string) bool {
	if c.Kind != ChannelDirect {
		return true
	}
	return c.Peers[0] == userID || c.Peers[1] == userID
}
