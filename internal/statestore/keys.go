package statestore

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Named ordered sets used by the wayline scheduler.
const (
	SetTimedExecute       = "timed-execute"
	SetConditionalPrepare = "conditional-prepare"
)

func OnlineKey(sn string) string         { return "online:" + sn }
func OSDKey(sn string) string            { return "osd:" + sn }
func RunningJobKey(dockSn string) string { return "running:" + dockSn }
func PausedJobKey(dockSn string) string  { return "paused:" + dockSn }
func BlockedJobKey(dockSn string) string { return "blocked:" + dockSn }
func ConditionalKey(jobID string) string { return "conditional:" + jobID }
func CapabilityKey(sn string) string     { return "capability:" + sn }

// JobMember encodes the composite member used by both scheduler sets.
func JobMember(workspaceID, dockSn, jobID string) string {
	return fmt.Sprintf("%s:%s:%s", workspaceID, dockSn, jobID)
}

func SplitJobMember(member string) (workspaceID, dockSn, jobID string, err error) {
	parts := strings.Split(member, ":")
	if len(parts) != 3 {
		return "", "", "", errors.Errorf("malformed job member: %q", member)
	}
	return parts[0], parts[1], parts[2], nil
}
