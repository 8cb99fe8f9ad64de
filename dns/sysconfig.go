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

package dns

import (
	"fmt"
	"io"
	"os"

	mdns "github.com/miekg/dns"
)

// DefaultResolvConf is where [SystemConfig] looks for the host resolver configuration.
const DefaultResolvConf = "/etc/resolv.conf"

// Config is a resolver configuration.
type Config struct {
	// Servers are IP addresses, without port.
	Servers       []string
	SearchDomains []string
}

// SystemConfig reads a resolv.conf(5) file.
func SystemConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	return ParseResolvConf(f)
}

// ParseResolvConf parses resolv.conf(5) content.
func ParseResolvConf(r io.Reader) (Config, error) {
	cc, err := mdns.ClientConfigFromReader(r)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse resolver configuration: %w", err)
	}
	return Config{Servers: cc.Servers, SearchDomains: cc.Search}, nil
}
