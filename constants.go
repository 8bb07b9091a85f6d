package tapdisk

import "github.com/behrlich/go-tapdisk/internal/constants"

// Re-export constants for public API
const (
	SectorSize            = constants.SectorSize
	SectorShift           = constants.SectorShift
	MaxSegmentsPerRequest = constants.MaxSegmentsPerRequest
	MaxRequests           = constants.DataRequests
	MaxRetries            = constants.MaxRetries
	RetryInterval         = constants.RetryInterval
	WatchdogTimeout       = constants.WatchdogTimeout
	DefaultPool           = constants.DefaultPool
)
