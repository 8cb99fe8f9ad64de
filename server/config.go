// Copyright 2025 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Jigsaw-Code/simpletunnel/dns"
	"github.com/Jigsaw-Code/simpletunnel/network/ippool"
	"github.com/Jigsaw-Code/simpletunnel/tunnel"
	"github.com/goccy/go-yaml"
)

const (
	DefaultDialTimeout    = 10 * time.Second
	DefaultUDPIdleTimeout = 60 * time.Second
	DefaultInterfaceName  = "stun%d"
)

// Configuration file keys.
const (
	keyIPv4          = "IPv4"
	keyPool          = "Pool"
	keyAddress       = "Address"
	keyNetmask       = "Netmask"
	keyDNS           = "DNS"
	keyServers       = "Servers"
	keySearchDomains = "SearchDomains"
	keyServer        = "Server"
)

// errNoIPv4Settings means the configuration has no IPv4 dictionary to personalize.
var errNoIPv4Settings = errors.New("no IPv4 settings available")

// Settings are the server-only settings of the "Server" section. They are never sent to clients.
type Settings struct {
	// DialTimeout bounds the outbound connection of a TCP flow.
	DialTimeout time.Duration
	// UDPIdleTimeout closes UDP flows that saw no datagram for that long.
	UDPIdleTimeout time.Duration
	// InterfaceName is the name pattern of the virtual interfaces created for IP flows.
	InterfaceName string
	// Cipher and Password enable Shadowsocks encryption of the tunnel connections when Cipher is set.
	Cipher   string
	Password string
}

// Configuration is the parsed server configuration file.
type Configuration struct {
	Settings Settings
	// Pool hands out the virtual addresses of IP flows.
	Pool *ippool.AddressPool

	// properties is the dictionary sent to clients, without the pool bounds and the server settings.
	properties map[string]any
}

// fileLayout is the typed view of the keys the server itself reads.
type fileLayout struct {
	IPv4 struct {
		Pool struct {
			StartAddress string `yaml:"StartAddress"`
			EndAddress   string `yaml:"EndAddress"`
		} `yaml:"Pool"`
	} `yaml:"IPv4"`
	Server struct {
		DialTimeout    string `yaml:"DialTimeout"`
		UDPIdleTimeout string `yaml:"UDPIdleTimeout"`
		InterfaceName  string `yaml:"InterfaceName"`
		Cipher         string `yaml:"Cipher"`
		Password       string `yaml:"Password"`
	} `yaml:"Server"`
}

// SystemDNSFunc returns the resolver configuration of the host, used when the file has no DNS section.
type SystemDNSFunc func() (dns.Config, error)

// SystemDNS reads the resolver configuration from [dns.DefaultResolvConf].
func SystemDNS() (dns.Config, error) {
	return dns.SystemConfig(dns.DefaultResolvConf)
}

// LoadConfiguration reads and parses the YAML configuration file at path.
func LoadConfiguration(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	return ParseConfiguration(data, SystemDNS)
}

// ParseConfiguration parses a YAML configuration. The IPv4 pool bounds are required. systemDNS fills in the DNS
// section when it is missing, and may be nil to leave it empty.
func ParseConfiguration(data []byte, systemDNS SystemDNSFunc) (*Configuration, error) {
	var properties map[string]any
	if err := yaml.Unmarshal(data, &properties); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if properties == nil {
		return nil, errors.New("configuration is empty")
	}
	var layout fileLayout
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if layout.IPv4.Pool.StartAddress == "" {
		return nil, errors.New("missing IPv4 pool start address")
	}
	if layout.IPv4.Pool.EndAddress == "" {
		return nil, errors.New("missing IPv4 pool end address")
	}
	pool, err := ippool.New(layout.IPv4.Pool.StartAddress, layout.IPv4.Pool.EndAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid IPv4 pool: %w", err)
	}

	settings := Settings{
		DialTimeout:    DefaultDialTimeout,
		UDPIdleTimeout: DefaultUDPIdleTimeout,
		InterfaceName:  DefaultInterfaceName,
		Cipher:         layout.Server.Cipher,
		Password:       layout.Server.Password,
	}
	if err := parseDuration(layout.Server.DialTimeout, &settings.DialTimeout); err != nil {
		return nil, fmt.Errorf("invalid DialTimeout: %w", err)
	}
	if err := parseDuration(layout.Server.UDPIdleTimeout, &settings.UDPIdleTimeout); err != nil {
		return nil, fmt.Errorf("invalid UDPIdleTimeout: %w", err)
	}
	if layout.Server.InterfaceName != "" {
		settings.InterfaceName = layout.Server.InterfaceName
	}
	if settings.Cipher != "" && settings.Password == "" {
		return nil, errors.New("a password is required with a cipher")
	}

	properties = tunnel.CloneDict(properties)
	delete(properties, keyServer)
	if ipv4, ok := tunnel.Message(properties).Dict(keyIPv4); ok {
		delete(ipv4, keyPool)
		properties[keyIPv4] = ipv4
	}
	if _, ok := properties[keyDNS]; !ok {
		var sys dns.Config
		if systemDNS != nil {
			if sys, err = systemDNS(); err != nil {
				slog.Warn("Failed to read the system resolver configuration", "err", err)
			}
		}
		properties[keyDNS] = map[string]any{
			keyServers:       nonNil(sys.Servers),
			keySearchDomains: nonNil(sys.SearchDomains),
		}
	}

	return &Configuration{Settings: settings, Pool: pool, properties: properties}, nil
}

func parseDuration(s string, d *time.Duration) error {
	if s == "" {
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if v <= 0 {
		return fmt.Errorf("duration must be positive, got %v", v)
	}
	*d = v
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Properties returns a copy of the dictionary shared with clients.
func (c *Configuration) Properties() map[string]any {
	return tunnel.CloneDict(c.properties)
}

// ClientConfiguration returns the configuration answered to FetchConfiguration requests: the shared dictionary
// without the IPv4 settings, which only make sense for IP flows.
func (c *Configuration) ClientConfiguration() map[string]any {
	cfg := tunnel.CloneDict(c.properties)
	delete(cfg, keyIPv4)
	return cfg
}

// Personalize returns the configuration of an IP flow that was given address. The IPv4 dictionary gets the address
// and a host netmask.
func (c *Configuration) Personalize(address string) (map[string]any, error) {
	cfg := tunnel.CloneDict(c.properties)
	ipv4, ok := tunnel.Message(cfg).Dict(keyIPv4)
	if !ok {
		return nil, errNoIPv4Settings
	}
	ipv4[keyAddress] = address
	ipv4[keyNetmask] = "255.255.255.255"
	cfg[keyIPv4] = ipv4
	return cfg, nil
}

// DNSServers returns the resolvers listed in the DNS section.
func (c *Configuration) DNSServers() []string {
	section, ok := tunnel.Message(c.properties).Dict(keyDNS)
	if !ok {
		return nil
	}
	var servers []string
	switch v := section[keyServers].(type) {
	case []string:
		servers = append(servers, v...)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				servers = append(servers, s)
			}
		}
	}
	return servers
}
