package observability

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

// TransportEvent builds the envelope published on every connection lifecycle change.
func TransportEvent(name, transport, sessionID, reason string) EventEnvelope {
	return EventEnvelope{
		EventType: "transport_events",
		EventName: name,
		Payload: map[string]interface{}{
			"transport":  transport,
			"session_id": sessionID,
			"reason":     reason,
		},
	}
}

func BuildHeaders(sessionID, userID string) map[string]string {
	headers := map[string]string{}
	if sessionID != "" {
		headers["x-session-id"] = sessionID
	}
	if userID != "" {
		headers["x-user-id"] = userID
	}
	return headers
}
