package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

func init() {
	MustRegister("system.time", "current local time in RFC 3339", systemTime)
	MustRegister("text.echo", "returns its text parameter unchanged", textEcho)
}

func systemTime(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	now := time.Now()
	return json.Marshal(map[string]any{
		"time":     now.Format(time.RFC3339),
		"timezone": now.Location().String(),
	})
}

type echoParams struct {
	Text string `json:"text"`
}

func textEcho(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p echoParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid parameters: %w", err)
		}
	}
	return json.Marshal(map[string]string{"text": p.Text})
}
