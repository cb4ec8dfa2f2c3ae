package tracking

import (
	"encoding/json"
	"fmt"
)

// Event is one anonymous page view as sent by the tracker script or published to Pub/Sub.
// Both "path" and "pagePath" are accepted; screen details are carried but not aggregated.
type Event struct {
	Path         string `json:"path,omitempty"`
	PagePath     string `json:"pagePath,omitempty"`
	Resolution   string `json:"resolution,omitempty"`
	ScreenWidth  int    `json:"screenWidth,omitempty"`
	ScreenHeight int    `json:"screenHeight,omitempty"`
}

// Page returns the page path of the event, "" when absent.
func (e Event) Page() string {
	if e.Path != "" {
		return e.Path
	}
	return e.PagePath
}

func ParseEvent(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, newError(KindInvalidInput, "", fmt.Errorf("json.Unmarshal: %w", err))
	}
	return e, nil
}
