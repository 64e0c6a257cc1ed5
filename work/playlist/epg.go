package playlist

import (
	"encoding/xml"
	"io"
	"time"

	"stalker-proxy/work/types"
)

const (
	xmltvTimeFormat = "20060102150405 -0700"
	guideRetention  = 48 * time.Hour
	dummyDuration   = 24 * time.Hour
)

// TV is an XMLTV document.
type TV struct {
	XMLName    xml.Name    `xml:"tv"`
	Generator  string      `xml:"generator-info-name,attr,omitempty"`
	Channels   []Channel   `xml:"channel"`
	Programmes []Programme `xml:"programme"`
}

type Channel struct {
	ID          string `xml:"id,attr"`
	DisplayName string `xml:"display-name"`
	Icon        *Icon  `xml:"icon,omitempty"`
}

type Icon struct {
	Src string `xml:"src,attr"`
}

type Programme struct {
	Start   string `xml:"start,attr"`
	Stop    string `xml:"stop,attr"`
	Channel string `xml:"channel,attr"`
	Title   string `xml:"title"`
	Desc    string `xml:"desc"`
}

// RenderEPG builds the guide for the enabled channels. Programmes are shifted by their
// portal's EPG offset, anything that started more than two days before now is dropped,
// and channels without a schedule get a 24 hour placeholder starting this hour.
func RenderEPG(channels []types.Channel, schedules map[string]map[string][]types.Programme, portals []types.Portal, now time.Time) *TV {
	offsets := make(map[string]time.Duration, len(portals))
	for _, p := range portals {
		offsets[p.ID] = time.Duration(p.EPGOffset) * time.Hour
	}

	now = now.UTC()
	cutoff := now.Add(-guideRetention)

	tv := &TV{Generator: "stalker-proxy", Channels: []Channel{}, Programmes: []Programme{}}
	seen := make(map[string]bool)

	for _, ch := range channels {
		if !ch.Enabled || seen[ch.EPGID] {
			continue
		}
		seen[ch.EPGID] = true

		c := Channel{ID: ch.EPGID, DisplayName: ch.Name}
		if ch.Logo != "" {
			c.Icon = &Icon{Src: ch.Logo}
		}
		tv.Channels = append(tv.Channels, c)

		schedule := schedules[ch.PortalID][ch.ChannelID]
		if len(schedule) == 0 {
			start := now.Truncate(time.Hour)
			tv.Programmes = append(tv.Programmes, Programme{
				Start:   start.Format(xmltvTimeFormat),
				Stop:    start.Add(dummyDuration).Format(xmltvTimeFormat),
				Channel: ch.EPGID,
				Title:   ch.Name,
				Desc:    ch.Name,
			})
			continue
		}

		offset := offsets[ch.PortalID]
		for _, p := range schedule {
			start := p.Start.UTC().Add(offset)
			stop := p.Stop.UTC().Add(offset)
			if !start.After(cutoff) {
				continue
			}
			tv.Programmes = append(tv.Programmes, Programme{
				Start:   start.Format(xmltvTimeFormat),
				Stop:    stop.Format(xmltvTimeFormat),
				Channel: ch.EPGID,
				Title:   p.Title,
				Desc:    p.Description,
			})
		}
	}

	return tv
}

// WriteXMLTV encodes tv with an XML declaration.
func WriteXMLTV(w io.Writer, tv *TV) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(tv); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}
