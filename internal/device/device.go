// Package device holds the shared model for fleet devices: discovery
// targets, firmware identity, and per-device provisioning status.
package device

import (
	"net"
	"strconv"

	"github.com/camforge/camforge/internal/device/protocol"
)

// Status is a device's position in the provisioning state machine.
type Status string

const (
	StatusPending     Status = "pending"
	StatusConfiguring Status = "configuring"
	StatusDeploying   Status = "deploying"
	StatusLicensing   Status = "licensing"
	StatusSuccess     Status = "success"
	StatusError       Status = "error"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// Firmware identifies what a device runs. OSClass and Architecture
// select the application package to deploy.
type Firmware struct {
	Version      string `json:"version"`
	OSClass      string `json:"osClass"`
	Architecture string `json:"architecture"`
}

// Target is one device selected for provisioning. Credentials never
// serialize; persisted state carries them sealed, separately.
type Target struct {
	ID           string               `json:"id"`
	IP           string               `json:"ip"`
	Port         int                  `json:"port"`
	Credentials  protocol.Credentials `json:"-"`
	Model        string               `json:"model,omitempty"`
	Capabilities []string             `json:"capabilities,omitempty"`
	Firmware     Firmware             `json:"firmware"`
	Status       Status               `json:"status"`
	LastMessage  string               `json:"lastMessage,omitempty"`
}

// Address returns the host:port of the device's management interface.
func (t *Target) Address() string {
	return net.JoinHostPort(t.IP, strconv.Itoa(t.Port))
}
