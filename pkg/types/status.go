// Package types holds shared data structures used across restfleet packages.
package types

import "time"

// StatusResponse is the JSON payload returned by the admin /status endpoint
// and the Status control RPC. The CLI and the dashboard decode it.
type StatusResponse struct {
	ID          int16            `json:"id"`
	Type        string           `json:"type"`
	State       string           `json:"state"`
	PID         int              `json:"pid"`
	Incarnation string           `json:"incarnation"`
	Roles       []string         `json:"roles"`
	Requests    int64            `json:"requests"`
	Started     time.Time        `json:"started"`
	Uptime      string           `json:"uptime"`
	Listeners   []ListenerStatus `json:"listeners"`
	Fleet       FleetStatus      `json:"fleet"`
}

// ListenerStatus describes one bound port of an HTTP-capable instance.
type ListenerStatus struct {
	Name        string `json:"name"`
	Addr        string `json:"addr"`
	Encrypted   bool   `json:"encrypted"`
	Accepted    int64  `json:"accepted"`
	Connections int    `json:"connections"`
}

// FleetStatus is the instance's view of the shared registry.
type FleetStatus struct {
	Stopping  bool             `json:"stopping"`
	Secretary int16            `json:"secretary"` // -1 when nobody holds the role
	Manager   int16            `json:"manager"`
	Members   []InstanceStatus `json:"members"`
}

// InstanceStatus is one registry entry as seen by the reporting instance.
type InstanceStatus struct {
	ID       int16     `json:"id"`
	Type     string    `json:"type"`
	PID      int       `json:"pid"`
	State    string    `json:"state"`
	Alive    bool      `json:"alive"`
	LastBeat time.Time `json:"last_beat"`
	Requests int64     `json:"requests"`
}
