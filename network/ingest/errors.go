package ingest

import (
	"github.com/kestrelnet/kestrel/util"
	"github.com/quic-go/quic-go"
)

// Peer-visible close codes, one per terminal condition.
const (
	connectionCloseCodeDroppedEntry         quic.ApplicationErrorCode = 1
	connectionCloseCodeDisallowed           quic.ApplicationErrorCode = 2
	connectionCloseCodeExceedMaxStreamCount quic.ApplicationErrorCode = 3
	connectionCloseCodeTooMany              quic.ApplicationErrorCode = 4
	connectionCloseCodeInvalidStream        quic.ApplicationErrorCode = 5
)

const (
	connectionCloseReasonDroppedEntry         = "dropped"
	connectionCloseReasonDisallowed           = "disallowed"
	connectionCloseReasonExceedMaxStreamCount = "exceed_max_stream_count"
	connectionCloseReasonTooMany              = "too_many"
	connectionCloseReasonInvalidStream        = "invalid_stream"
)

var (
	// ErrConsumerClosed escalates to full server shutdown; it is the one
	// failure the server does not absorb locally.
	ErrConsumerClosed = util.NewIDError("packet consumer closed")

	ErrConnectionLimit   = util.NewIDError("too many open connections")
	ErrConnectionAdd     = util.NewIDError("add connection to table")
	ErrStreamCountBounds = util.NewIDError("stream count out of representable range")
)
