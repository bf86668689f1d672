package models

// Event is pushed to the owner's live connections on every record mutation.
// OwnerID is the routing key and is never serialized to clients.
type Event struct {
	ConversionID string `json:"conversionId"`
	OwnerID      string `json:"-"`
	Status       Status `json:"status"`
	Progress     *int   `json:"progress,omitempty"`
	Error        string `json:"error,omitempty"`
}

// EventFromRecord builds the notification for the record's current state.
func EventFromRecord(c *Conversion) Event {
	ev := Event{
		ConversionID: c.ID,
		OwnerID:      c.OwnerID,
		Status:       c.Status,
	}
	if c.Status == StatusFailed {
		ev.Error = c.Error
		return ev
	}
	progress := c.Progress
	ev.Progress = &progress
	return ev
}
