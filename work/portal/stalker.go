package portal

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// flexString accepts both JSON strings and numbers. Stalker builds disagree on which
// one they send for ids and numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

func (f flexString) String() string { return string(f) }

func (f flexString) Int64() int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(string(f)), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

type envelope struct {
	JS json.RawMessage `json:"js"`
}

type handshakeResponse struct {
	Token string `json:"token"`
}

type accountInfoResponse struct {
	Phone flexString `json:"phone"`
}

type channelsResponse struct {
	Data []stalkerChannel `json:"data"`
}

type stalkerChannel struct {
	ID        flexString `json:"id"`
	Name      flexString `json:"name"`
	Number    flexString `json:"number"`
	TVGenreID flexString `json:"tv_genre_id"`
	Logo      flexString `json:"logo"`
	XMLTVID   flexString `json:"xmltv_id"`
	Cmd       flexString `json:"cmd"`
}

type stalkerGenre struct {
	ID    flexString `json:"id"`
	Title flexString `json:"title"`
}

type createLinkResponse struct {
	Cmd string `json:"cmd"`
}

type stalkerProgramme struct {
	Name           flexString `json:"name"`
	Descr          flexString `json:"descr"`
	StartTimestamp flexString `json:"start_timestamp"`
	StopTimestamp  flexString `json:"stop_timestamp"`
}

// isObject reports whether raw is a JSON object.
func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}
