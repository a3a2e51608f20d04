// Package ingest is the transaction-ingestion front door of the validator
// node: a QUIC server that admits connections from staked and unstaked peers,
// throttles stream acceptance by stake-weighted fair share, reassembles
// unidirectional streams into packets and hands batches of them to the
// downstream pipeline without ever blocking on a slow consumer.
package ingest
