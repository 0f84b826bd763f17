package core

import "strings"

// Environment selects logging defaults for the server and the chat client.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

var environmentAliases = map[string]Environment{
	"dev":         Development,
	"development": Development,
	"local":       Development,
	"stage":       Staging,
	"staging":     Staging,
	"test":        Testing,
	"testing":     Testing,
	"ci":          Testing,
	"prod":        Production,
	"production":  Production,
}

func (e Environment) String() string { return string(e) }

// IsProduction reports whether logs should be emitted as JSON.
func (e Environment) IsProduction() bool { return e == Production }

// ParseEnvironment accepts the full names and their short aliases.
// Anything else is Development.
func ParseEnvironment(v string) Environment {
	if env, ok := environmentAliases[strings.ToLower(strings.TrimSpace(v))]; ok {
		return env
	}
	return Development
}
