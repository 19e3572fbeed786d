package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/satp-gateway/internal/platform/timeouts"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
)

// Timeouts holds the maximum time a session may dwell in each stage.
type Timeouts struct {
	Default  time.Duration
	PerStage map[protocol.Stage]time.Duration
}

// For returns the dwell limit of stage.
func (t Timeouts) For(stage protocol.Stage) time.Duration {
	if d, ok := t.PerStage[stage]; ok && d > 0 {
		return d
	}
	if t.Default > 0 {
		return t.Default
	}
	return timeouts.StageDwell
}

// Expired reports whether s has dwelt in its stage longer than allowed.
func (s State) Expired(t Timeouts, now time.Time) bool {
	return now.Sub(s.LastActivity) > t.For(s.Stage)
}

// ParseStageTimeouts parses "STAGE=duration" pairs separated by commas.
func ParseStageTimeouts(spec string) (map[protocol.Stage]time.Duration, error) {
	out := map[protocol.Stage]time.Duration{}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("stage timeout %q: expected STAGE=duration", part)
		}
		stage := protocol.Stage(strings.ToUpper(strings.TrimSpace(name)))
		if !stage.Valid() || stage.Terminal() {
			return nil, fmt.Errorf("stage timeout %q: unknown stage", part)
		}
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("stage timeout %q: invalid duration", part)
		}
		out[stage] = d
	}
	return out, nil
}
