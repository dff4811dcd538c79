package scheduling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/reeflab/reefd/internal/models"
)

// DeviceController applies a claimed action to a device. Implementations must
// honor the context deadline and return an error when the device rejects or
// fails the operation.
type DeviceController interface {
	Execute(ctx context.Context, action *models.DeviceAction) (json.RawMessage, error)
}

// SimulatedController validates action parameters and fabricates a plausible
// result without touching hardware. It is the default controller when no
// hardware bridge is configured.
type SimulatedController struct{}

type actuatorParams struct {
	Intensity  *float64 `json:"intensity"`
	Level      *float64 `json:"level"`
	DurationMs *int64   `json:"duration_ms"`
}

// Execute applies the action to nothing at all and reports what a real
// controller would have done.
func (SimulatedController) Execute(ctx context.Context, action *models.DeviceAction) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var params actuatorParams
	if len(action.Parameters) > 0 {
		if err := json.Unmarshal(action.Parameters, &params); err != nil {
			return nil, fmt.Errorf("invalid action parameters: %w", err)
		}
	}

	result := map[string]any{
		"deviceId":   action.DeviceID,
		"actionType": string(action.ActionType),
		"simulated":  true,
	}

	switch action.ActionType {
	case models.ActionOn:
		result["state"] = "on"
	case models.ActionOff:
		result["state"] = "off"
	case models.ActionToggle:
		result["state"] = "toggled"
	case models.ActionSetPWM:
		if params.Intensity == nil {
			return nil, fmt.Errorf("set_pwm requires an intensity")
		}
		if *params.Intensity < 0 || *params.Intensity > 100 {
			return nil, fmt.Errorf("intensity %.1f out of range [0, 100]", *params.Intensity)
		}
		result["intensity"] = *params.Intensity
	case models.ActionSetLevel:
		if params.Level == nil {
			return nil, fmt.Errorf("set_level requires a level")
		}
		if *params.Level < 0 || *params.Level > 100 {
			return nil, fmt.Errorf("level %.1f out of range [0, 100]", *params.Level)
		}
		result["level"] = *params.Level
	case models.ActionRamp:
		if params.DurationMs == nil || *params.DurationMs <= 0 {
			return nil, fmt.Errorf("ramp requires a positive duration_ms")
		}
		if params.Intensity != nil {
			if *params.Intensity < 0 || *params.Intensity > 100 {
				return nil, fmt.Errorf("intensity %.1f out of range [0, 100]", *params.Intensity)
			}
			result["intensity"] = *params.Intensity
		}
		result["durationMs"] = *params.DurationMs
	case models.ActionCustom:
		// Custom payloads pass through untouched.
		if len(action.Parameters) > 0 {
			result["parameters"] = json.RawMessage(action.Parameters)
		}
	default:
		return nil, fmt.Errorf("unknown action type %q", action.ActionType)
	}

	log.Debug().
		Int64("deviceID", action.DeviceID).
		Str("actionType", string(action.ActionType)).
		Msg("Simulated device action")

	out, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return out, nil
}
