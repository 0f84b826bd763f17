package tools

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	TransportStreamableHTTP = "streamable_http"
	TransportSSE            = "sse"
	TransportStdio          = "stdio"
)

// ServerConfig describes one remote tool server.
type ServerConfig struct {
	Transport string            `yaml:"transport"`
	URL       string            `yaml:"url,omitempty"`
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
}

// ServersFile is the YAML document listing remote tool servers by name:
//
//	servers:
//	  expense:
//	    transport: streamable_http
//	    url: https://example.com/mcp
type ServersFile struct {
	Servers map[string]ServerConfig `yaml:"servers"`
}

func LoadServersFile(path string) (*ServersFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool servers file: %w", err)
	}
	return ParseServers(b)
}

func ParseServers(b []byte) (*ServersFile, error) {
	var f ServersFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse tool servers: %w", err)
	}
	for name, s := range f.Servers {
		s.Transport = strings.ToLower(strings.TrimSpace(s.Transport))
		switch s.Transport {
		case TransportStreamableHTTP, TransportSSE:
			if strings.TrimSpace(s.URL) == "" {
				return nil, fmt.Errorf("tool server %q: url is required for %s", name, s.Transport)
			}
		case TransportStdio:
			if strings.TrimSpace(s.Command) == "" {
				return nil, fmt.Errorf("tool server %q: command is required for stdio", name)
			}
		default:
			return nil, fmt.Errorf("tool server %q: unsupported transport %q", name, s.Transport)
		}
		f.Servers[name] = s
	}
	return &f, nil
}
