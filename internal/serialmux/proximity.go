package serialmux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/banshee-data/redlight/internal/bus"
	"github.com/banshee-data/redlight/internal/monitoring"
	"github.com/banshee-data/redlight/internal/timeutil"
)

// ErrNotDistance is returned by ParseDistance for lines that are not
// distance readings.
var ErrNotDistance = errors.New("not a distance reading")

// ParseDistance extracts the reading from a `{"distance":N}` line.
func ParseDistance(line string) (int, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return 0, ErrNotDistance
	}
	var r struct {
		Distance *int `json:"distance"`
	}
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotDistance, err)
	}
	if r.Distance == nil {
		return 0, ErrNotDistance
	}
	return *r.Distance, nil
}

// Forward subscribes to s and turns each distance line into a distance
// Message, so a directly wired sensor feeds the same dispatcher as the
// broker. Other lines are logged and skipped. The returned channel is closed
// when ctx is done or s closes the subscription.
func Forward(ctx context.Context, s SerialMuxInterface, clock timeutil.Clock) <-chan bus.Message {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	out := make(chan bus.Message)
	id, lines := s.Subscribe()

	go func() {
		defer close(out)
		defer s.Unsubscribe(id)
		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-lines:
				if !ok {
					return
				}
				if _, err := ParseDistance(line); err != nil {
					monitoring.Logf("serialmux: skipping line %q: %v", line, err)
					continue
				}
				m := bus.Message{
					Kind:       bus.KindDistance,
					Topic:      bus.TopicDistance,
					Payload:    []byte(line),
					ReceivedAt: clock.Now(),
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
