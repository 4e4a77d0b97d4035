package dispatch

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Category is the topic class a message travels on.
type Category string

const (
	CategoryStatus        Category = "status"
	CategoryStatusReply   Category = "status_reply"
	CategoryState         Category = "state"
	CategoryOSD           Category = "osd"
	CategoryServices      Category = "services"
	CategoryServicesReply Category = "services_reply"
	CategoryEvents        Category = "events"
	CategoryEventsReply   Category = "events_reply"
	CategoryRequests      Category = "requests"
	CategoryRequestsReply Category = "requests_reply"
	CategoryPropertySet   Category = "property/set"
)

// Topology announcements travel on a sys prefix, everything else on thing.
func Topic(category Category, sn string) string {
	switch category {
	case CategoryStatus, CategoryStatusReply:
		return fmt.Sprintf("sys/product/%s/%s", sn, category)
	default:
		return fmt.Sprintf("thing/product/%s/%s", sn, category)
	}
}

// ParseTopic extracts the category and device serial from a transport topic.
func ParseTopic(topic string) (Category, string, error) {
	parts := strings.SplitN(topic, "/", 4)
	if len(parts) < 4 || parts[1] != "product" {
		return "", "", errors.Errorf("unroutable topic: %q", topic)
	}
	sn := parts[2]
	switch parts[0] {
	case "sys":
		if parts[3] == string(CategoryStatus) {
			return CategoryStatus, sn, nil
		}
	case "thing":
		switch Category(parts[3]) {
		case CategoryState, CategoryOSD, CategoryServicesReply,
			CategoryEvents, CategoryRequests, CategoryPropertySet:
			return Category(parts[3]), sn, nil
		}
	}
	return "", "", errors.Errorf("unroutable topic: %q", topic)
}

// consumedCategories are the per-device topics the control plane subscribes
// to when a device comes online.
var consumedCategories = []Category{
	CategoryStatus,
	CategoryState,
	CategoryOSD,
	CategoryServicesReply,
	CategoryEvents,
	CategoryRequests,
}
