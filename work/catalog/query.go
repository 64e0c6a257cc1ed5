package catalog

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"stalker-proxy/work/types"
)

// Duplicate filters understood by Query.
const (
	DuplicatesEnabledOnly = "enabled_only"
	DuplicatesUniqueOnly  = "unique_only"
)

const defaultPageLength = 250

// Query is a server-side DataTables request against the catalog.
type Query struct {
	Draw        int
	Start       int
	Length      int // -1 for all rows
	Search      string
	Portal      string // portal id or name
	Genre       string
	Duplicates  string
	OrderColumn int
	OrderDesc   bool
	BaseURL     string // used for preview links
}

// Row is one channel as the editor sees it.
type Row struct {
	types.Channel
	Link string `json:"link"`
}

// QueryResponse is the DataTables reply.
type QueryResponse struct {
	Draw            int    `json:"draw"`
	RecordsTotal    int    `json:"recordsTotal"`
	RecordsFiltered int    `json:"recordsFiltered"`
	Data            []Row  `json:"data"`
	Error           string `json:"error,omitempty"`
}

// ParseQuery reads DataTables parameters from a request's query string.
func ParseQuery(v url.Values) Query {
	q := Query{
		Draw:        atoiDefault(v.Get("draw"), 1),
		Start:       atoiDefault(v.Get("start"), 0),
		Length:      atoiDefault(v.Get("length"), defaultPageLength),
		Search:      strings.TrimSpace(v.Get("search[value]")),
		Portal:      v.Get("portal"),
		Genre:       v.Get("genre"),
		Duplicates:  v.Get("duplicates"),
		OrderColumn: atoiDefault(v.Get("order[0][column]"), 2),
		OrderDesc:   strings.EqualFold(v.Get("order[0][dir]"), "desc"),
	}
	if q.Start < 0 {
		q.Start = 0
	}
	return q
}

// Query filters, orders and pages the current snapshot. It never fails: when no
// snapshot exists the response carries an error and no data.
func (c *Catalog) Query(q Query) QueryResponse {
	snap := c.Snapshot()
	if snap == nil {
		return QueryResponse{Draw: q.Draw, Data: []Row{}, Error: ErrUnavailable.Error()}
	}
	return RunQuery(snap.Channels, q)
}

// RunQuery applies q to channels.
func RunQuery(channels []types.Channel, q Query) QueryResponse {
	resp := QueryResponse{Draw: q.Draw, RecordsTotal: len(channels), Data: []Row{}}

	search := strings.ToLower(q.Search)
	filtered := make([]types.Channel, 0, len(channels))
	for _, ch := range channels {
		if q.Portal != "" && ch.PortalID != q.Portal && ch.PortalName != q.Portal {
			continue
		}
		if q.Genre != "" && ch.Genre != q.Genre {
			continue
		}
		switch q.Duplicates {
		case DuplicatesEnabledOnly:
			if !ch.Enabled || ch.DuplicateCount < 2 {
				continue
			}
		case DuplicatesUniqueOnly:
			if !ch.Enabled || ch.DuplicateCount > 1 {
				continue
			}
		}
		if search != "" && !matchesSearch(ch, search) {
			continue
		}
		filtered = append(filtered, ch)
	}
	resp.RecordsFiltered = len(filtered)

	sortRows(filtered, q.OrderColumn, q.OrderDesc)

	start := q.Start
	if start > len(filtered) {
		start = len(filtered)
	}
	end := len(filtered)
	if q.Length >= 0 && start+q.Length < end {
		end = start + q.Length
	}

	for _, ch := range filtered[start:end] {
		resp.Data = append(resp.Data, Row{
			Channel: ch,
			Link:    strings.TrimRight(q.BaseURL, "/") + "/play/" + ch.PortalID + "/" + ch.ChannelID + "?web=true",
		})
	}
	return resp
}

func matchesSearch(ch types.Channel, search string) bool {
	for _, field := range []string{ch.RawName, ch.CustomName, ch.RawGenre, ch.CustomGenre, ch.RawNumber, ch.CustomNumber, ch.PortalName} {
		if strings.Contains(strings.ToLower(field), search) {
			return true
		}
	}
	return false
}

// sortRows orders by the editor's column index:
// 0 enabled, 1 channel id, 2 name, 3 genre, 4 number, 5 epg id, 6 fallback, 7 portal.
func sortRows(rows []types.Channel, column int, desc bool) {
	less := func(a, b types.Channel) bool {
		switch column {
		case 0:
			return !a.Enabled && b.Enabled
		case 1:
			return a.ChannelID < b.ChannelID
		case 3:
			return strings.ToLower(a.Genre) < strings.ToLower(b.Genre)
		case 4:
			return types.NumberLess(a.Number, b.Number)
		case 5:
			return a.EPGID < b.EPGID
		case 6:
			return a.Fallback < b.Fallback
		case 7:
			return strings.ToLower(a.PortalName) < strings.ToLower(b.PortalName)
		default:
			return strings.ToLower(a.Name) < strings.ToLower(b.Name)
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if desc {
			return less(rows[j], rows[i])
		}
		return less(rows[i], rows[j])
	})
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}
