package domain

import "time"

// Desktop is a provisioned remote desktop container tracked by the registry.
type Desktop struct {
	Name        string    `json:"name"`
	ContainerID string    `json:"container_id,omitempty"`
	Image       string    `json:"image"`
	VNCPort     int       `json:"vnc_port"`
	APIPort     int       `json:"api_port"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasActiveContainer returns true if the desktop is bound to a container.
func (d *Desktop) HasActiveContainer() bool {
	return d.ContainerID != ""
}

// IdleFor returns how long the desktop has gone without activity.
func (d *Desktop) IdleFor(now time.Time) time.Duration {
	if d.LastSeenAt.IsZero() {
		return 0
	}
	return now.Sub(d.LastSeenAt)
}
