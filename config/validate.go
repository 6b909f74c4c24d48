package config

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/c360/depthgraph/errors"
	"github.com/c360/depthgraph/pipeline"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("nodekind", func(fl validator.FieldLevel) bool {
		_, ok := pipeline.ParseNodeKind(fl.Field().String())
		return ok
	})
	_ = v.RegisterValidation("portref", func(fl validator.FieldLevel) bool {
		_, err := ParsePortRef(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks struct tags (which also require positive queue sizes),
// then the cross-references tags cannot express: unique aliases, and links
// and consumers naming declared nodes.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", formatValidationError(err))
	}

	aliases := make(map[string]pipeline.NodeKind, len(c.Pipeline.Nodes))
	for _, n := range c.Pipeline.Nodes {
		if _, dup := aliases[n.Alias]; dup {
			return invalid("duplicate node alias %q", n.Alias)
		}
		kind, _ := pipeline.ParseNodeKind(n.Kind)
		aliases[n.Alias] = kind
	}

	for i, l := range c.Pipeline.Links {
		for _, ref := range []string{l.From, l.To} {
			r, _ := ParsePortRef(ref)
			if _, ok := aliases[r.Alias]; !ok {
				return invalid("links[%d]: unknown node %q", i, r.Alias)
			}
		}
	}

	for i, cons := range c.Pipeline.Consumers {
		r, _ := ParsePortRef(cons.Output)
		if _, ok := aliases[r.Alias]; !ok {
			return invalid("consumers[%d]: unknown node %q", i, r.Alias)
		}
		if r.Name == "" {
			return invalid("consumers[%d]: output %q must name a port", i, cons.Output)
		}
		for _, tap := range cons.Taps {
			if tap == "nats" && !c.NATS.Enabled {
				return invalid("consumers[%d]: nats tap requires nats.enabled", i)
			}
			if tap == "preview" && !c.Preview.Enabled {
				return invalid("consumers[%d]: preview tap requires preview.enabled", i)
			}
		}
	}

	if c.Device.Simulate && len(c.Device.Sim.Devices) == 0 {
		return invalid("device.sim.devices: simulation needs at least one device")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", fmt.Sprintf(format, args...))
}

// formatValidationError turns validator errors into one readable line per
// failing field.
func formatValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return err.Error()
	}

	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		field := strings.TrimPrefix(e.Namespace(), "Config.")
		switch e.Tag() {
		case "required", "required_if":
			msgs = append(msgs, field+": field is required")
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s: must have at least %s entries", field, e.Param()))
		case "gt":
			msgs = append(msgs, fmt.Sprintf("%s: must be greater than %s", field, e.Param()))
		case "gte":
			msgs = append(msgs, fmt.Sprintf("%s: must be at least %s", field, e.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s: must be one of [%s]", field, e.Param()))
		case "nodekind":
			msgs = append(msgs, fmt.Sprintf("%s: unknown node kind %q", field, e.Value()))
		case "portref":
			msgs = append(msgs, fmt.Sprintf("%s: invalid port reference %q", field, e.Value()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s: validation failed (%s)", field, e.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
