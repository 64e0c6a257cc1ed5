package catalog

import (
	"strings"

	"stalker-proxy/work/types"
)

// Merge combines the raw channels of one portal with their overlays. Every field takes
// the overlay value when set, then the raw value. It performs no I/O.
func Merge(portal types.Portal, overlays map[string]types.Overlay, raw []types.RawChannel) []types.Channel {
	// Channels explicitly switched on form the enabled set; an empty set enables all.
	enabledSet := make(map[string]bool)
	for id, o := range overlays {
		if o.Enabled != nil && *o.Enabled {
			enabledSet[id] = true
		}
	}

	out := make([]types.Channel, 0, len(raw))
	for _, rc := range raw {
		o := overlays[rc.ID]

		ch := types.Channel{
			PortalID:     portal.ID,
			PortalName:   portal.Name,
			ChannelID:    rc.ID,
			RawName:      rc.Name,
			RawNumber:    rc.Number,
			RawGenre:     rc.Genre,
			Name:         firstNonEmpty(o.CustomName, rc.Name),
			Number:       firstNonEmpty(o.CustomNumber, rc.Number),
			Genre:        firstNonEmpty(o.CustomGenre, rc.Genre),
			Logo:         rc.Logo,
			Cmd:          rc.Cmd,
			Fallback:     strings.TrimSpace(o.Fallback),
			CustomName:   o.CustomName,
			CustomNumber: o.CustomNumber,
			CustomGenre:  o.CustomGenre,
			CustomEPGID:  o.CustomEPGID,
		}

		ch.EPGID = firstNonEmpty(o.CustomEPGID, rc.XMLTVID)
		if ch.EPGID == "" {
			ch.EPGID = ch.Ref().String()
		}

		ch.Enabled = portal.Enabled &&
			(o.Enabled == nil || *o.Enabled) &&
			(len(enabledSet) == 0 || enabledSet[rc.ID])

		out = append(out, ch)
	}

	return out
}

// CountDuplicates sets DuplicateCount on every enabled channel whose effective name
// (case-insensitive) is shared with other enabled channels. Nothing is removed.
func CountDuplicates(channels []types.Channel) {
	groups := make(map[string]int)
	for _, ch := range channels {
		if ch.Enabled {
			groups[dupKey(ch.Name)]++
		}
	}

	for i := range channels {
		channels[i].DuplicateCount = 0
		if !channels[i].Enabled {
			continue
		}
		if n := groups[dupKey(channels[i].Name)]; n > 1 {
			channels[i].DuplicateCount = n
		}
	}
}

func dupKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
