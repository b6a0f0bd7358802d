package conditions

import "github.com/flowmail/journey/pkg/models"

// BuildSnapshot assembles the evaluation snapshot from a customer profile
// and the triggering event. Event payload fields are exposed both under the
// "event." prefix and at the top level for builder-authored property paths;
// profile attributes win on collision at the top level.
func BuildSnapshot(profile map[string]any, event *models.CustomerEvent) Snapshot {
	snap := make(Snapshot, len(profile)+8)

	if event != nil {
		for k, v := range event.Payload {
			snap[k] = v
		}
	}

	for k, v := range profile {
		snap[k] = v
	}

	if event != nil {
		eventMap := make(map[string]any, len(event.Payload)+2)
		for k, v := range event.Payload {
			eventMap[k] = v
		}

		eventMap["name"] = event.Name
		eventMap["received_at"] = event.ReceivedAt

		snap["event"] = eventMap
	}

	return snap
}
