package config

import (
	"fmt"
	"strings"

	"github.com/c360/depthgraph/pipeline"
)

// PortRef is a parsed port reference from a link or consumer entry.
type PortRef struct {
	Alias string
	Group string
	Name  string
}

// ParsePortRef parses "alias", "alias.port" or "alias.group[port]".
func ParsePortRef(s string) (PortRef, error) {
	alias, rest, dotted := strings.Cut(s, ".")
	if alias == "" || strings.ContainsAny(alias, "[] ") {
		return PortRef{}, fmt.Errorf("invalid port reference %q: missing node alias", s)
	}
	if !dotted {
		return PortRef{Alias: alias}, nil
	}
	if rest == "" {
		return PortRef{}, fmt.Errorf("invalid port reference %q: empty port", s)
	}

	open := strings.IndexByte(rest, '[')
	if open < 0 {
		if strings.ContainsAny(rest, "]. ") {
			return PortRef{}, fmt.Errorf("invalid port reference %q", s)
		}
		return PortRef{Alias: alias, Name: rest}, nil
	}
	if open == 0 || !strings.HasSuffix(rest, "]") {
		return PortRef{}, fmt.Errorf("invalid port reference %q: expected group[port]", s)
	}
	group, name := rest[:open], rest[open+1:len(rest)-1]
	if name == "" || strings.ContainsAny(group, "[]. ") || strings.ContainsAny(name, "[] ") {
		return PortRef{}, fmt.Errorf("invalid port reference %q", s)
	}
	return PortRef{Alias: alias, Group: group, Name: name}, nil
}

// Selector returns the pipeline selector for the port part of the reference.
func (r PortRef) Selector() pipeline.Selector {
	switch {
	case r.Name == "":
		return pipeline.Any()
	case r.Group != "":
		return pipeline.InGroup(r.Group, r.Name)
	default:
		return pipeline.ByName(r.Name)
	}
}

func (r PortRef) String() string {
	switch {
	case r.Name == "":
		return r.Alias
	case r.Group != "":
		return fmt.Sprintf("%s.%s[%s]", r.Alias, r.Group, r.Name)
	default:
		return r.Alias + "." + r.Name
	}
}
