package routing

import (
	"errors"
	"os"

	"gopkg.in/yaml.v3"
)

// Allowlist is the declarative route table shipped in
// config/routing/allowlist.yaml. Any request whose method and path are not
// listed for the serving entrypoint is rejected before a handler runs.
type Allowlist struct {
	Version     int                   `yaml:"version"`
	Entrypoints map[string]Entrypoint `yaml:"entrypoints"`
}

// Entrypoint groups the routes one binary serves.
type Entrypoint struct {
	Routes []Route `yaml:"routes"`
}

// Route allows a path for a set of methods and tags it with the route
// class the error responder uses to pick a response format.
type Route struct {
	Path       string   `yaml:"path"`
	Methods    []string `yaml:"methods"`
	RouteClass string   `yaml:"route_class"`
}

func ParseAllowlistYAML(b []byte) (Allowlist, error) {
	var a Allowlist
	if err := yaml.Unmarshal(b, &a); err != nil {
		return Allowlist{}, err
	}
	switch {
	case a.Version != 1:
		return Allowlist{}, errors.New("allowlist: unsupported version")
	case a.Entrypoints == nil:
		return Allowlist{}, errors.New("allowlist: missing entrypoints")
	}
	return a, nil
}

func LoadAllowlist(path string) (Allowlist, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Allowlist{}, err
	}
	return ParseAllowlistYAML(b)
}
