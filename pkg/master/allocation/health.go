package allocation

// ClusterHealthStatus is the traffic-light summary of spec §9's glossary:
// RED if any primary is unassigned, YELLOW if all primaries are assigned
// but some replica is not, GREEN otherwise.
type ClusterHealthStatus int

const (
	Green ClusterHealthStatus = iota
	Yellow
	Red
)

func (s ClusterHealthStatus) String() string {
	switch s {
	case Green:
		return "GREEN"
	case Yellow:
		return "YELLOW"
	case Red:
		return "RED"
	default:
		return "UNKNOWN"
	}
}

// ComputeHealth derives cluster health from a routing table: RED
// dominates YELLOW dominates GREEN.
func ComputeHealth(rt RoutingTable) ClusterHealthStatus {
	status := Green
	for _, irt := range rt {
		for _, group := range irt.Shards {
			for _, sr := range group {
				if sr.IsUnassigned() {
					if sr.Primary {
						return Red
					}
					if status == Green {
						status = Yellow
					}
				}
			}
		}
	}
	return status
}
