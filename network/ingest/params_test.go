package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type testServerParams struct {
	suite.Suite
}

func (t *testServerParams) TestDefaults() {
	p := DefaultServerParams()
	t.NoError(p.IsValid(nil))

	t.Equal(2000, p.MaxStakedConnections)
	t.Equal(500, p.MaxUnstakedConnections)
	t.Equal(1, p.MaxConnectionsPerPeer)
	t.Equal(uint64(250), p.MaxStreamsPerMS)
	t.Equal(time.Millisecond*100, p.StreamThrottlingInterval)
}

func (t *testServerParams) TestLoadOverridesDefaults() {
	b := []byte(`
max_staked_connections: 77
coalesce: 11ms
unstaked_streams_percent: 35
`)

	p, err := LoadServerParams(b)
	t.NoError(err)

	t.Equal(77, p.MaxStakedConnections)
	t.Equal(time.Millisecond*11, p.Coalesce)
	t.Equal(uint64(35), p.UnstakedStreamsPercent)

	// untouched fields keep their defaults
	t.Equal(500, p.MaxUnstakedConnections)
	t.Equal(uint64(2500), p.TotalConnectionsPerSecond)
}

func (t *testServerParams) TestLoadInvalid() {
	_, err := LoadServerParams([]byte(`max_staked_connections: 0`))
	t.Error(err)
	t.ErrorContains(err, "max_staked_connections")

	_, err = LoadServerParams([]byte(`unstaked_streams_percent: 120`))
	t.Error(err)
	t.ErrorContains(err, "unstaked_streams_percent")

	_, err = LoadServerParams([]byte(`"broken`))
	t.Error(err)
}

func (t *testServerParams) TestIsValid() {
	cases := []struct {
		name   string
		modify func(*ServerParams)
	}{
		{"zero max_connections_per_peer", func(p *ServerParams) { p.MaxConnectionsPerPeer = 0 }},
		{"zero max_streams_per_ms", func(p *ServerParams) { p.MaxStreamsPerMS = 0 }},
		{"zero handshake_timeout", func(p *ServerParams) { p.HandshakeTimeout = 0 }},
		{"zero coalesce_channel_size", func(p *ServerParams) { p.CoalesceChannelSize = 0 }},
		{"sub-millisecond throttling interval", func(p *ServerParams) { p.StreamThrottlingInterval = time.Microsecond * 999 }},
		{"negative max_unstaked_connections", func(p *ServerParams) { p.MaxUnstakedConnections = -1 }},
		{"zero prune_random_sample_size", func(p *ServerParams) { p.PruneRandomSampleSize = 0 }},
	}

	for _, c := range cases {
		p := DefaultServerParams()
		c.modify(p)

		t.Error(p.IsValid(nil), c.name)
	}

	// zero unstaked connections is a valid staked-only configuration
	p := DefaultServerParams()
	p.MaxUnstakedConnections = 0
	t.NoError(p.IsValid(nil))
}

func (t *testServerParams) TestMaxConcurrentConnections() {
	p := DefaultServerParams()

	// configured capacity plus 25% handshake slack
	t.Equal(3125, p.MaxConcurrentConnections())
}

func TestServerParams(t *testing.T) {
	suite.Run(t, new(testServerParams))
}
