package server

import "errors"

var (
	// ErrScanNotFound is returned when no scan has the requested ID.
	ErrScanNotFound = errors.New("scan not found")

	// ErrTooManyScans is returned when the active scan limit is reached.
	ErrTooManyScans = errors.New("too many active scans")

	// ErrScanFinished is returned when cancelling a scan that already ended.
	ErrScanFinished = errors.New("scan already finished")

	// ErrInvalidRequest is returned for malformed scan requests.
	ErrInvalidRequest = errors.New("invalid scan request")

	// ErrShuttingDown is returned when a scan is requested during shutdown.
	ErrShuttingDown = errors.New("server is shutting down")
)
