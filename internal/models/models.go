// Package models defines the core entities shared by the scheduler, poller,
// alert evaluator and the REST API.
package models

import (
	"encoding/json"
	"time"
)

// ScheduleType determines how the next firing instant of a schedule is computed.
type ScheduleType string

const (
	ScheduleOneOff    ScheduleType = "one_off"
	ScheduleInterval  ScheduleType = "interval"
	ScheduleCron      ScheduleType = "cron"
	ScheduleRecurring ScheduleType = "recurring"
	ScheduleStatic    ScheduleType = "static"
)

// Valid reports whether t is a known schedule type.
func (t ScheduleType) Valid() bool {
	switch t {
	case ScheduleOneOff, ScheduleInterval, ScheduleCron, ScheduleRecurring, ScheduleStatic:
		return true
	}
	return false
}

// ActionType identifies the device operation a schedule performs when it fires.
type ActionType string

const (
	ActionOn       ActionType = "on"
	ActionOff      ActionType = "off"
	ActionToggle   ActionType = "toggle"
	ActionSetPWM   ActionType = "set_pwm"
	ActionSetLevel ActionType = "set_level"
	ActionRamp     ActionType = "ramp"
	ActionCustom   ActionType = "custom"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionOn, ActionOff, ActionToggle, ActionSetPWM, ActionSetLevel, ActionRamp, ActionCustom:
		return true
	}
	return false
}

// RunStatus records the outcome of a schedule's most recent firing.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunSkipped RunStatus = "skipped"
)

// ActionStatus tracks a device action through its lifecycle.
// Transitions form a DAG: pending -> in_progress -> {success, failed}.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionInProgress ActionStatus = "in_progress"
	ActionSuccess    ActionStatus = "success"
	ActionFailed     ActionStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s ActionStatus) Terminal() bool {
	return s == ActionSuccess || s == ActionFailed
}

// Operator is a threshold comparison operator for alerts.
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpEqual        Operator = "=="
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpNotEqual     Operator = "!="
)

// Valid reports whether op is a known comparison operator.
func (op Operator) Valid() bool {
	switch op {
	case OpGreater, OpLess, OpEqual, OpGreaterEqual, OpLessEqual, OpNotEqual:
		return true
	}
	return false
}

// Schedule is a user-defined automation rule. Scheduling fields (nextRun,
// lastRun, lastRunStatus) are maintained exclusively by the scheduler worker.
type Schedule struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	ScheduleType    ScheduleType    `json:"scheduleType"`
	CronExpression  string          `json:"cronExpression,omitempty"`
	IntervalSeconds int64           `json:"intervalSeconds,omitempty"`
	StartTime       *time.Time      `json:"startTime,omitempty"`
	EndTime         *time.Time      `json:"endTime,omitempty"`
	Timezone        string          `json:"timezone"`
	DeviceIDs       []int64         `json:"deviceIds"`
	ActionType      ActionType      `json:"actionType"`
	ActionParams    json.RawMessage `json:"actionParams,omitempty"`
	IsEnabled       bool            `json:"isEnabled"`
	NextRun         *time.Time      `json:"nextRun,omitempty"`
	LastRun         *time.Time      `json:"lastRun,omitempty"`
	LastRunStatus   RunStatus       `json:"lastRunStatus,omitempty"`
	LastRunError    string          `json:"lastRunError,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// DeviceAction is one materialized firing of a schedule against a single
// device, or a manual request when ScheduleID is nil.
type DeviceAction struct {
	ID            int64           `json:"id"`
	ScheduleID    *int64          `json:"scheduleId,omitempty"`
	DeviceID      int64           `json:"deviceId"`
	ActionType    ActionType      `json:"actionType"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
	Status        ActionStatus    `json:"status"`
	ScheduledTime time.Time       `json:"scheduledTime"`
	ExecutedTime  *time.Time      `json:"executedTime,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	ErrorMessage  string          `json:"errorMessage,omitempty"`
	DispatchID    string          `json:"dispatchId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Device is a physical sensor or actuator known to the controller.
type Device struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	DeviceType   string          `json:"deviceType"`
	Address      string          `json:"address"`
	PollEnabled  bool            `json:"pollEnabled"`
	PollInterval int64           `json:"pollInterval"` // seconds
	IsActive     bool            `json:"isActive"`
	Config       json.RawMessage `json:"config,omitempty"`
	LastPolled   *time.Time      `json:"lastPolled,omitempty"`
	LastError    string          `json:"lastError,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Reading is a single observation from a device at a UTC instant. At least
// one of Value or JSONValue is set.
type Reading struct {
	ID        int64           `json:"id"`
	DeviceID  int64           `json:"deviceId"`
	Timestamp time.Time       `json:"timestamp"`
	Value     *float64        `json:"value,omitempty"`
	JSONValue json.RawMessage `json:"jsonValue,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Alert is a threshold rule evaluated against the latest reading of a device.
type Alert struct {
	ID             int64     `json:"id"`
	DeviceID       int64     `json:"deviceId"`
	Metric         string    `json:"metric"`
	Operator       Operator  `json:"operator"`
	ThresholdValue float64   `json:"thresholdValue"`
	IsEnabled      bool      `json:"isEnabled"`
	TrendEnabled   bool      `json:"trendEnabled"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// AlertEvent records one breach of an alert threshold, from trigger to
// resolution. At most one unresolved event exists per alert.
type AlertEvent struct {
	ID              int64           `json:"id"`
	AlertID         int64           `json:"alertId"`
	DeviceID        int64           `json:"deviceId"`
	TriggeredAt     time.Time       `json:"triggeredAt"`
	CurrentValue    float64         `json:"currentValue"`
	ThresholdValue  float64         `json:"thresholdValue"`
	Operator        Operator        `json:"operator"`
	Metric          string          `json:"metric"`
	IsResolved      bool            `json:"isResolved"`
	ResolvedAt      *time.Time      `json:"resolvedAt,omitempty"`
	ResolutionValue *float64        `json:"resolutionValue,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}
