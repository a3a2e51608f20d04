package ingest

import (
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	// ALPNProtocol is the single application protocol accepted on the wire.
	ALPNProtocol = "kestrel-tpu"

	// MaxPacketDataSize bounds one application packet; one stream carries at
	// most one packet.
	MaxPacketDataSize = 1232

	// PacketsPerBatch is the batch capacity handed to the consumer.
	PacketsPerBatch = 64
)

// Stream-count and receive-window bounds by peer class. Staked peers
// interpolate between the min and max by their share of total stake.
const (
	maxUnstakedConcurrentStreams uint64 = 128
	minStakedConcurrentStreams   uint64 = 128
	maxStakedConcurrentStreams   uint64 = 512
	totalStakedConcurrentStreams uint64 = 100_000

	unstakedReceiveWindowRatio  uint64 = 128
	minStakedReceiveWindowRatio uint64 = 128
	maxStakedReceiveWindowRatio uint64 = 512
)

// maxVarInt is the largest stream count representable on the wire.
const maxVarInt = (uint64(1) << 62) - 1

type ServerParams struct {
	MaxStakedConnections         int           `yaml:"max_staked_connections"`
	MaxUnstakedConnections       int           `yaml:"max_unstaked_connections"`
	MaxConnectionsPerPeer        int           `yaml:"max_connections_per_peer"`
	MaxStreamsPerMS              uint64        `yaml:"max_streams_per_ms"`
	MaxConnectionsPerIPPerMinute uint64        `yaml:"max_connections_per_ip_per_minute"`
	TotalConnectionsPerSecond    uint64        `yaml:"total_connections_per_second"`
	HandshakeTimeout             time.Duration `yaml:"handshake_timeout"`
	WaitForChunkTimeout          time.Duration `yaml:"wait_for_chunk_timeout"`
	Coalesce                     time.Duration `yaml:"coalesce"`
	CoalesceChannelSize          int           `yaml:"coalesce_channel_size"`
	StreamThrottlingInterval     time.Duration `yaml:"stream_throttling_interval"`
	UnstakedStreamsPercent       uint64        `yaml:"unstaked_streams_percent"`
	PruneRandomSampleSize        int           `yaml:"prune_random_sample_size"`
	RateLimiterCleanupThreshold  int           `yaml:"rate_limiter_cleanup_threshold"`
}

func DefaultServerParams() *ServerParams {
	return &ServerParams{
		MaxStakedConnections:         2000,
		MaxUnstakedConnections:       500,
		MaxConnectionsPerPeer:        1,
		MaxStreamsPerMS:              250,
		MaxConnectionsPerIPPerMinute: 8,
		TotalConnectionsPerSecond:    2500,
		HandshakeTimeout:             time.Second * 2,
		WaitForChunkTimeout:          time.Second * 2,
		Coalesce:                     time.Millisecond * 5,
		CoalesceChannelSize:          250_000,
		StreamThrottlingInterval:     time.Millisecond * 100,
		UnstakedStreamsPercent:       20,
		PruneRandomSampleSize:        2,
		RateLimiterCleanupThreshold:  100_000,
	}
}

// LoadServerParams decodes yaml over the defaults, so a config only states
// what it changes.
func LoadServerParams(b []byte) (*ServerParams, error) {
	p := DefaultServerParams()

	if err := yaml.Unmarshal(b, p); err != nil {
		return nil, errors.Wrap(err, "unmarshal server params")
	}

	if err := p.IsValid(nil); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *ServerParams) IsValid([]byte) error {
	switch {
	case p.MaxStakedConnections < 1:
		return errors.Errorf("under zero max_staked_connections")
	case p.MaxUnstakedConnections < 0:
		return errors.Errorf("negative max_unstaked_connections")
	case p.MaxConnectionsPerPeer < 1:
		return errors.Errorf("under zero max_connections_per_peer")
	case p.MaxStreamsPerMS < 1:
		return errors.Errorf("under zero max_streams_per_ms")
	case p.MaxConnectionsPerIPPerMinute < 1:
		return errors.Errorf("under zero max_connections_per_ip_per_minute")
	case p.TotalConnectionsPerSecond < 1:
		return errors.Errorf("under zero total_connections_per_second")
	case p.HandshakeTimeout < 1:
		return errors.Errorf("under zero handshake_timeout")
	case p.WaitForChunkTimeout < 1:
		return errors.Errorf("under zero wait_for_chunk_timeout")
	case p.Coalesce < 1:
		return errors.Errorf("under zero coalesce")
	case p.CoalesceChannelSize < 1:
		return errors.Errorf("under zero coalesce_channel_size")
	case p.StreamThrottlingInterval < time.Millisecond:
		return errors.Errorf("stream_throttling_interval under 1ms")
	case p.UnstakedStreamsPercent > 100:
		return errors.Errorf("unstaked_streams_percent over 100")
	case p.PruneRandomSampleSize < 1:
		return errors.Errorf("under zero prune_random_sample_size")
	case p.RateLimiterCleanupThreshold < 1:
		return errors.Errorf("under zero rate_limiter_cleanup_threshold")
	}

	return nil
}

// MaxConcurrentConnections is the hard admission ceiling: configured
// capacity plus 25% slack for connections still in handshake.
func (p *ServerParams) MaxConcurrentConnections() int {
	c := p.MaxStakedConnections + p.MaxUnstakedConnections

	return c + c/4
}
