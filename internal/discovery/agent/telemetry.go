package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bl4ck0w1/patchlynx/pkg/models"
	"github.com/bl4ck0w1/patchlynx/pkg/utils"
)

// Telemetry is one endpoint agent report, already flattened from whatever
// export shape it arrived in.
type Telemetry struct {
	ID              string            `json:"id,omitempty" yaml:"id,omitempty"`
	AgentID         string            `json:"agentId,omitempty" yaml:"agent_id,omitempty"`
	Hostname        string            `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	IPAddress       string            `json:"ipAddress,omitempty" yaml:"ip_address,omitempty"`
	MACAddress      string            `json:"macAddress,omitempty" yaml:"mac_address,omitempty"`
	OperatingSystem string            `json:"operatingSystem,omitempty" yaml:"operating_system,omitempty"`
	SystemType      string            `json:"systemType,omitempty" yaml:"system_type,omitempty"`
	Services        []string          `json:"services,omitempty" yaml:"services,omitempty"`
	Ports           []models.Port     `json:"ports,omitempty" yaml:"ports,omitempty"`
	CloudProvider   string            `json:"cloudProvider,omitempty" yaml:"cloud_provider,omitempty"`
	CloudMetadata   map[string]string `json:"cloudMetadata,omitempty" yaml:"cloud_metadata,omitempty"`
	LastSeen        time.Time         `json:"lastSeen,omitempty" yaml:"last_seen,omitempty"`
}

// Asset maps the report onto an unclassified asset record.
func (t Telemetry) Asset(source string) models.Asset {
	a := models.Asset{
		ID:              t.ID,
		Hostname:        t.Hostname,
		IPAddress:       t.IPAddress,
		MACAddress:      t.MACAddress,
		AssetType:       models.AssetTypeUnknown,
		SystemType:      t.SystemType,
		OperatingSystem: t.OperatingSystem,
		Services:        append([]string(nil), t.Services...),
		Ports:           append([]models.Port(nil), t.Ports...),
		CloudProvider:   t.CloudProvider,
		Tags:            []string{},
		Source:          source,
		AgentID:         t.AgentID,
		LastSeen:        t.LastSeen,
	}
	if len(t.CloudMetadata) > 0 {
		a.CloudMetadata = make(map[string]string, len(t.CloudMetadata))
		for k, v := range t.CloudMetadata {
			a.CloudMetadata[k] = v
		}
	}
	if t.AgentID != "" {
		a.AddTag("agent")
	}
	return a
}

// stringList accepts a scalar or a list; asset exports wrap most fields in
// lists even when they hold one value.
type stringList []string

func (s *stringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var one *string
	if err := json.Unmarshal(data, &one); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	if one != nil {
		*s = stringList{*one}
	}
	return nil
}

func (s *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*s = list
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return nil
		}
		*s = stringList{node.Value}
	default:
		return fmt.Errorf("line %d: expected string or list of strings", node.Line)
	}
	return nil
}

func (s stringList) first() string {
	for _, v := range s {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// record is the wire shape. It covers native agent reports and the asset
// export format of vulnerability scanners (hostname[], ipv4[], agent_uuid[],
// aws_* metadata).
type record struct {
	ID              string            `json:"id" yaml:"id"`
	AgentID         stringList        `json:"agent_id" yaml:"agent_id"`
	AgentUUID       stringList        `json:"agent_uuid" yaml:"agent_uuid"`
	HasAgent        *bool             `json:"has_agent" yaml:"has_agent"`
	Hostname        stringList        `json:"hostname" yaml:"hostname"`
	FQDN            stringList        `json:"fqdn" yaml:"fqdn"`
	NetbiosName     string            `json:"netbios_name" yaml:"netbios_name"`
	IPAddress       stringList        `json:"ip_address" yaml:"ip_address"`
	IPv4            stringList        `json:"ipv4" yaml:"ipv4"`
	IPv6            stringList        `json:"ipv6" yaml:"ipv6"`
	MACAddress      stringList        `json:"mac_address" yaml:"mac_address"`
	OperatingSystem stringList        `json:"operating_system" yaml:"operating_system"`
	SystemType      stringList        `json:"system_type" yaml:"system_type"`
	Services        []string          `json:"services" yaml:"services"`
	Ports           []models.Port     `json:"ports" yaml:"ports"`
	CloudProvider   string            `json:"cloud_provider" yaml:"cloud_provider"`
	CloudMetadata   map[string]string `json:"cloud_metadata" yaml:"cloud_metadata"`
	LastSeen        string            `json:"last_seen" yaml:"last_seen"`

	AWSInstanceID       *string `json:"aws_ec2_instance_id" yaml:"aws_ec2_instance_id"`
	AWSAMIID            *string `json:"aws_ec2_instance_ami_id" yaml:"aws_ec2_instance_ami_id"`
	AWSOwnerID          *string `json:"aws_owner_id" yaml:"aws_owner_id"`
	AWSAvailabilityZone *string `json:"aws_availability_zone" yaml:"aws_availability_zone"`
	AWSRegion           *string `json:"aws_region" yaml:"aws_region"`
}

var lastSeenLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (r record) telemetry() Telemetry {
	t := Telemetry{
		ID:              strings.TrimSpace(r.ID),
		AgentID:         utils.FirstNonEmpty(r.AgentID.first(), r.AgentUUID.first()),
		Hostname:        utils.FirstNonEmpty(r.Hostname.first(), r.FQDN.first(), r.NetbiosName),
		IPAddress:       utils.FirstNonEmpty(r.IPAddress.first(), r.IPv4.first(), r.IPv6.first()),
		MACAddress:      r.MACAddress.first(),
		OperatingSystem: r.OperatingSystem.first(),
		SystemType:      r.SystemType.first(),
		Services:        r.Services,
		Ports:           r.Ports,
		CloudProvider:   r.CloudProvider,
	}

	md := make(map[string]string, len(r.CloudMetadata)+5)
	for k, v := range r.CloudMetadata {
		md[k] = v
	}
	for k, v := range map[string]*string{
		"aws_ec2_instance_id":     r.AWSInstanceID,
		"aws_ec2_instance_ami_id": r.AWSAMIID,
		"aws_owner_id":            r.AWSOwnerID,
		"aws_availability_zone":   r.AWSAvailabilityZone,
		"aws_region":              r.AWSRegion,
	} {
		if v != nil && *v != "" {
			md[k] = *v
		}
	}
	if len(md) > 0 {
		t.CloudMetadata = md
	}

	if s := strings.TrimSpace(r.LastSeen); s != "" {
		for _, layout := range lastSeenLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				t.LastSeen = ts.UTC()
				break
			}
		}
	}
	return t
}

// document is the envelope of an export file. A bare list of records is
// accepted as well.
type document struct {
	Assets []record `json:"assets" yaml:"assets"`
	Agents []record `json:"agents" yaml:"agents"`
}

func decodeRecords(data []byte, asYAML bool) ([]record, error) {
	unmarshal := json.Unmarshal
	if asYAML {
		unmarshal = yaml.Unmarshal
	}

	var doc document
	if err := unmarshal(data, &doc); err == nil {
		return append(doc.Assets, doc.Agents...), nil
	}
	var list []record
	if err := unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode telemetry: %w", err)
	}
	return list, nil
}
