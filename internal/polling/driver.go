// Package polling maintains per-device poll tickers and persists readings.
package polling

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"

	"github.com/reeflab/reefd/internal/models"
)

// Sample is the result of one poll. At least one of Value or JSON is set.
type Sample struct {
	Value    *float64
	JSON     json.RawMessage
	Metadata json.RawMessage
}

// DeviceDriver reads the current state of a device. Implementations must
// honor the context deadline.
type DeviceDriver interface {
	Poll(ctx context.Context, device *models.Device) (Sample, error)
}

// SimulatedDriver fabricates plausible readings per device type. It is the
// default driver when no hardware bridge is configured.
type SimulatedDriver struct{}

// baselines give each sensor type a realistic center and jitter amplitude.
var baselines = map[string]struct{ center, jitter float64 }{
	"temperature": {25.5, 0.6},
	"ph":          {8.15, 0.1},
	"salinity":    {35.0, 0.4},
	"orp":         {380.0, 15.0},
	"flow":        {2200.0, 120.0},
	"level":       {80.0, 2.0},
}

// Poll returns a synthetic reading for the device.
func (SimulatedDriver) Poll(ctx context.Context, device *models.Device) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}

	b, ok := baselines[device.DeviceType]
	if !ok {
		// Unknown types report a structured state instead of a scalar.
		state, err := json.Marshal(map[string]any{"online": true})
		if err != nil {
			return Sample{}, err
		}
		meta, err := json.Marshal(map[string]string{"source": "simulated"})
		if err != nil {
			return Sample{}, err
		}
		return Sample{JSON: state, Metadata: meta}, nil
	}

	value := b.center + (rand.Float64()*2-1)*b.jitter
	meta, err := json.Marshal(map[string]string{
		"source": "simulated",
		"unit":   unitFor(device.DeviceType),
	})
	if err != nil {
		return Sample{}, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return Sample{Value: &value, Metadata: meta}, nil
}

func unitFor(deviceType string) string {
	switch deviceType {
	case "temperature":
		return "celsius"
	case "ph":
		return "pH"
	case "salinity":
		return "ppt"
	case "orp":
		return "mV"
	case "flow":
		return "lph"
	case "level":
		return "percent"
	}
	return ""
}
