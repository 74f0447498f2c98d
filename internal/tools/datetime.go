package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DatetimeTool reports the current date and time, optionally in a given
// IANA timezone.
type DatetimeTool struct {
	now func() time.Time
}

// NewDatetimeTool creates a datetime tool using the system clock.
func NewDatetimeTool() *DatetimeTool {
	return &DatetimeTool{now: time.Now}
}

func (t *DatetimeTool) Name() string {
	return "datetime"
}

func (t *DatetimeTool) Description() string {
	return "Returns the current date and time. Accepts an optional IANA timezone such as Asia/Tokyo."
}

func (t *DatetimeTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "timezone": {"type": "string", "description": "IANA timezone name, defaults to UTC"}
  }
}`)
}

func (t *DatetimeTool) Execute(_ context.Context, input json.RawMessage) (*Result, error) {
	var args struct {
		Timezone string `json:"timezone"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return &Result{Content: fmt.Sprintf("invalid params: %v", err), IsError: true}, nil
	}

	loc := time.UTC
	if args.Timezone != "" {
		parsed, err := time.LoadLocation(args.Timezone)
		if err != nil {
			return &Result{Content: "unknown timezone: " + args.Timezone, IsError: true}, nil
		}
		loc = parsed
	}

	now := t.now().In(loc)
	payload, err := json.Marshal(map[string]string{
		"iso":      now.Format(time.RFC3339),
		"weekday":  now.Weekday().String(),
		"timezone": loc.String(),
	})
	if err != nil {
		return &Result{Content: fmt.Sprintf("failed to encode result: %v", err), IsError: true}, nil
	}
	return &Result{Content: string(payload)}, nil
}
