package scan

import "errors"

// ErrScanInProgress is returned by Start while another scan is running on
// the same Coordinator.
var ErrScanInProgress = errors.New("a scan is already in progress")
