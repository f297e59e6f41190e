package device

import (
	"fmt"
	"log"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// PortInfo describes a candidate serial port.
type PortInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsUSB       bool   `json:"isUsb"`
	VID         string `json:"vid,omitempty"`
	PID         string `json:"pid,omitempty"`
	Serial      string `json:"serial,omitempty"`
}

// ListPorts enumerates serial ports. USB details are included where the
// platform enumerator supports them; otherwise only names are returned.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		out := make([]PortInfo, 0, len(details))
		for _, d := range details {
			out = append(out, PortInfo{
				Name:        d.Name,
				Description: d.Product,
				IsUSB:       d.IsUSB,
				VID:         d.VID,
				PID:         d.PID,
				Serial:      d.SerialNumber,
			})
		}
		return out, nil
	}
	log.Printf("[device] detailed port list unavailable: %v", err)

	names, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("device: list ports: %w", err)
	}
	out := make([]PortInfo, len(names))
	for i, n := range names {
		out[i] = PortInfo{Name: n}
	}
	return out, nil
}
