package models

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"time"
)

const AssetTypeUnknown = "unknown"

type Asset struct {
	ID              string            `json:"id,omitempty" yaml:"id,omitempty"`
	Hostname        string            `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	IPAddress       string            `json:"ipAddress,omitempty" yaml:"ip_address,omitempty"`
	MACAddress      string            `json:"macAddress,omitempty" yaml:"mac_address,omitempty"`
	AssetType       string            `json:"assetType" yaml:"asset_type"`
	SystemType      string            `json:"systemType,omitempty" yaml:"system_type,omitempty"`
	OperatingSystem string            `json:"operatingSystem,omitempty" yaml:"operating_system,omitempty"`
	Services        []string          `json:"services,omitempty" yaml:"services,omitempty"`
	Ports           []Port            `json:"ports,omitempty" yaml:"ports,omitempty"`
	CloudProvider   string            `json:"cloudProvider,omitempty" yaml:"cloud_provider,omitempty"`
	CloudMetadata   map[string]string `json:"cloudMetadata,omitempty" yaml:"cloud_metadata,omitempty"`
	Tags            []string          `json:"tags" yaml:"tags"`
	Source          string            `json:"source,omitempty" yaml:"source,omitempty"`
	AgentID         string            `json:"agentId,omitempty" yaml:"agent_id,omitempty"`
	LastSeen        time.Time         `json:"lastSeen,omitempty" yaml:"last_seen,omitempty"`
}

type Port struct {
	Port     int    `json:"port" yaml:"port"`
	Protocol string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Service  string `json:"service,omitempty" yaml:"service,omitempty"`
	State    string `json:"state,omitempty" yaml:"state,omitempty"`
}

// Open treats a port without a recorded state as open; telemetry that lists
// a port usually means it was listening.
func (p Port) Open() bool {
	return p.State == "" || strings.EqualFold(p.State, "open")
}

func (a *Asset) Validate() error {
	if a.Hostname == "" && a.IPAddress == "" && a.MACAddress == "" && a.AgentID == "" {
		return fmt.Errorf("asset needs at least one of hostname, ip address, mac address or agent id")
	}
	if a.IPAddress != "" && net.ParseIP(a.IPAddress) == nil {
		return fmt.Errorf("invalid ip address: %s", a.IPAddress)
	}
	if a.MACAddress != "" {
		if _, err := net.ParseMAC(a.MACAddress); err != nil {
			return fmt.Errorf("invalid mac address: %s", a.MACAddress)
		}
	}
	for _, p := range a.Ports {
		if p.Port <= 0 || p.Port > 65535 {
			return fmt.Errorf("invalid port: %d", p.Port)
		}
	}
	return nil
}

func (a *Asset) TypeKnown() bool {
	return a.AssetType != "" && a.AssetType != AssetTypeUnknown
}

func (a *Asset) HasTag(tag string) bool {
	tag = strings.ToLower(tag)
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AddTag keeps Tags a sorted, lower-case set.
func (a *Asset) AddTag(tags ...string) {
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || a.HasTag(tag) {
			continue
		}
		a.Tags = append(a.Tags, tag)
	}
	sort.Strings(a.Tags)
}

func (a *Asset) HasPort(port int) bool {
	for _, p := range a.Ports {
		if p.Port == port && p.Open() {
			return true
		}
	}
	return false
}

func (a *Asset) OpenPorts() []Port {
	var open []Port
	for _, p := range a.Ports {
		if p.Open() {
			open = append(open, p)
		}
	}
	return open
}

// Clone returns a deep copy; classification never writes through to the caller's slices or maps.
func (a Asset) Clone() Asset {
	c := a
	if a.Services != nil {
		c.Services = append([]string(nil), a.Services...)
	}
	if a.Ports != nil {
		c.Ports = append([]Port(nil), a.Ports...)
	}
	if a.Tags != nil {
		c.Tags = append([]string(nil), a.Tags...)
	}
	if a.CloudMetadata != nil {
		c.CloudMetadata = make(map[string]string, len(a.CloudMetadata))
		for k, v := range a.CloudMetadata {
			c.CloudMetadata[k] = v
		}
	}
	return c
}
