package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MACEntry is one credential of a portal. Expiry holds the auxiliary state string the
// portal reports for the account (usually a human readable expiry date).
type MACEntry struct {
	MAC    string `json:"mac"`
	Expiry string `json:"expiry"`
}

// Portal represents a single upstream Stalker middleware instance and the pool of MAC
// credentials used to talk to it. Portals are owned by the config store and handed to
// the rest of the application by value.
type Portal struct {
	ID            string     `json:"id"`            // Stable identifier used in play URLs
	Name          string     `json:"name"`          // Display name
	URL           string     `json:"url"`           // Resolved API endpoint (portal.php / load.php)
	Enabled       bool       `json:"enabled"`       // Disabled portals expose no channels
	MACs          []MACEntry `json:"macs"`          // Ordered credential list
	StreamsPerMAC int        `json:"streamsPerMac"` // Concurrent streams allowed per MAC, 0 for unlimited
	EPGOffset     int        `json:"epgOffset"`     // Hours added to every programme of this portal
	Proxy         string     `json:"proxy"`         // Optional outbound HTTP proxy
}

// MACList returns the MAC strings in configured order.
func (p Portal) MACList() []string {
	macs := make([]string, 0, len(p.MACs))
	for _, m := range p.MACs {
		macs = append(macs, m.MAC)
	}
	return macs
}

// Overlay is the admin supplied customisation of a single upstream channel.
// A nil Enabled means the admin never touched the flag.
type Overlay struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	CustomName   string `json:"customName,omitempty"`
	CustomNumber string `json:"customNumber,omitempty"`
	CustomGenre  string `json:"customGenre,omitempty"`
	CustomEPGID  string `json:"customEpgId,omitempty"`
	Fallback     string `json:"fallback,omitempty"`
}

// RawChannel is a channel exactly as the portal returned it, with the genre id already
// resolved to its title.
type RawChannel struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Number  string `json:"number"`
	GenreID string `json:"genreId"`
	Genre   string `json:"genre"`
	Logo    string `json:"logo"`
	XMLTVID string `json:"xmltvId"`
	Cmd     string `json:"cmd"`
}

// ChannelRef addresses one channel of one portal.
type ChannelRef struct {
	PortalID  string
	ChannelID string
}

func (r ChannelRef) String() string {
	return r.PortalID + "/" + r.ChannelID
}

// IsZero reports whether the ref points nowhere.
func (r ChannelRef) IsZero() bool {
	return r.PortalID == "" && r.ChannelID == ""
}

// ErrChannelNotFound means a channel reference names no known channel.
var ErrChannelNotFound = errors.New("channel not found")

// ParseChannelRef parses "portal/channel". A bare channel id is resolved against
// defaultPortal so fallbacks can stay within their own portal without repeating it.
func ParseChannelRef(s, defaultPortal string) (ChannelRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ChannelRef{}, fmt.Errorf("empty channel reference")
	}

	portalID, channelID, found := strings.Cut(s, "/")
	if !found {
		if defaultPortal == "" {
			return ChannelRef{}, fmt.Errorf("channel reference %q has no portal", s)
		}
		return ChannelRef{PortalID: defaultPortal, ChannelID: s}, nil
	}

	if portalID == "" || channelID == "" {
		return ChannelRef{}, fmt.Errorf("malformed channel reference %q", s)
	}

	return ChannelRef{PortalID: portalID, ChannelID: channelID}, nil
}

// Channel is the merged view of a raw upstream channel and its overlay. It is rebuilt
// on every catalog refresh and never stored.
type Channel struct {
	PortalID       string `json:"portal"`
	PortalName     string `json:"portalName"`
	ChannelID      string `json:"channelId"`
	RawName        string `json:"channelName"`
	RawNumber      string `json:"channelNumber"`
	RawGenre       string `json:"genre"`
	Name           string `json:"effectiveName"`
	Number         string `json:"effectiveNumber"`
	Genre          string `json:"effectiveGenre"`
	EPGID          string `json:"epgId"`
	Logo           string `json:"logo"`
	Cmd            string `json:"-"`
	Enabled        bool   `json:"enabled"`
	Fallback       string `json:"fallbackChannel"`
	DuplicateCount int    `json:"duplicateCount"`

	CustomName   string `json:"customChannelName"`
	CustomNumber string `json:"customChannelNumber"`
	CustomGenre  string `json:"customGenre"`
	CustomEPGID  string `json:"customEpgId"`
}

// Ref returns the address of the channel.
func (c Channel) Ref() ChannelRef {
	return ChannelRef{PortalID: c.PortalID, ChannelID: c.ChannelID}
}

// FallbackRef resolves the configured fallback, if any.
func (c Channel) FallbackRef() (ChannelRef, bool) {
	if c.Fallback == "" {
		return ChannelRef{}, false
	}
	ref, err := ParseChannelRef(c.Fallback, c.PortalID)
	if err != nil {
		return ChannelRef{}, false
	}
	return ref, true
}

// Programme is a single guide entry. Times are UTC as delivered by the portal, before
// any per-portal offset is applied.
type Programme struct {
	Start       time.Time `json:"start"`
	Stop        time.Time `json:"stop"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
}

// NumberLess orders channel numbers numerically, with non-numeric numbers after all
// numeric ones in lexical order.
func NumberLess(a, b string) bool {
	na, errA := strconv.ParseFloat(strings.TrimSpace(a), 64)
	nb, errB := strconv.ParseFloat(strings.TrimSpace(b), 64)
	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a < b
	}
}
