package wayline

// Internal failure codes, recorded on the job when the failure happened on
// the cloud side rather than being reported by the dock.
const (
	CodeOK            = 0
	CodeTimeout       = 1001 // deadline passed before dispatch, or no reply
	CodeInternal      = 1002
	CodeDeviceOffline = 1003
	CodeDataNotFound  = 1004
)

// Remote rejection codes from the dock's prepare/execute replies, kept
// verbatim on the job. The blocking subset means a readiness condition
// cannot be met right now; conditional jobs retry those after a back-off
// instead of failing the mission outright.
const (
	CodeAircraftBatteryLow = 321001
	CodeDockStorageFull    = 321002
	CodeAircraftCharging   = 321003
	CodeDockBusy           = 321004
	CodeBadMissionFile     = 321010
	CodeAirspaceRestricted = 321011
)

var blockingCodes = map[int]bool{
	CodeAircraftBatteryLow: true,
	CodeDockStorageFull:    true,
	CodeAircraftCharging:   true,
	CodeDockBusy:           true,
}

// IsBlocking reports whether a remote rejection should trigger the
// conditional retry-clone path.
func IsBlocking(code int) bool {
	return blockingCodes[code]
}
