package util

var (
	ErrDaemonAlreadyStarted = NewIDError("daemon already started")
	ErrDaemonAlreadyStopped = NewIDError("daemon already stopped")
)
