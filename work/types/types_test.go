package types

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChannelRef(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		portal  string
		want    ChannelRef
		wantErr bool
	}{
		{name: "full", in: "p1/1001", want: ChannelRef{PortalID: "p1", ChannelID: "1001"}},
		{name: "bare id uses default portal", in: "1001", portal: "p2", want: ChannelRef{PortalID: "p2", ChannelID: "1001"}},
		{name: "whitespace trimmed", in: "  p1/7 ", want: ChannelRef{PortalID: "p1", ChannelID: "7"}},
		{name: "bare id without default", in: "1001", wantErr: true},
		{name: "empty", in: "", portal: "p1", wantErr: true},
		{name: "missing channel", in: "p1/", wantErr: true},
		{name: "missing portal", in: "/1001", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseChannelRef(tt.in, tt.portal)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChannelFallbackRef(t *testing.T) {
	ch := Channel{PortalID: "p1", ChannelID: "1"}
	_, ok := ch.FallbackRef()
	assert.False(t, ok)

	ch.Fallback = "2"
	ref, ok := ch.FallbackRef()
	require.True(t, ok)
	assert.Equal(t, "p1/2", ref.String())

	ch.Fallback = "p3/9"
	ref, ok = ch.FallbackRef()
	require.True(t, ok)
	assert.Equal(t, ChannelRef{PortalID: "p3", ChannelID: "9"}, ref)
}

func TestNumberLess(t *testing.T) {
	numbers := []string{"10", "abc", "2", "1.5", "", "zz", "100"}
	sort.SliceStable(numbers, func(i, j int) bool { return NumberLess(numbers[i], numbers[j]) })
	assert.Equal(t, []string{"1.5", "2", "10", "100", "", "abc", "zz"}, numbers)
}

func TestPortalMACList(t *testing.T) {
	p := Portal{MACs: []MACEntry{{MAC: "00:1A:79:00:00:01"}, {MAC: "00:1A:79:00:00:02"}}}
	assert.Equal(t, []string{"00:1A:79:00:00:01", "00:1A:79:00:00:02"}, p.MACList())
	assert.True(t, ChannelRef{}.IsZero())
}
