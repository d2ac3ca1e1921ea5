package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"gpsd-forwarder/internal/source"
)

// Sampling is the motion-sensor rate of a session.
type Sampling = source.Sampling

// ParseSampling reads a preset name or a period in microseconds.
func ParseSampling(s string) (Sampling, error) { return source.ParseSampling(s) }

// Params are fixed for the lifetime of a session.
type Params struct {
	ServerAddress string   `json:"server_address" yaml:"address" validate:"required,max=253"`
	ServerPort    int      `json:"server_port" yaml:"port" validate:"min=1,max=65535"`
	Sampling      Sampling `json:"sampling" yaml:"sampling"`
}

var validate = validator.New()

// Validate checks p and names the offending JSON field.
func (p Params) Validate() error {
	p.ServerAddress = strings.TrimSpace(p.ServerAddress)
	err := validate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("session: invalid params: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describeField(fe))
	}
	return fmt.Errorf("session: invalid params: %s", strings.Join(msgs, "; "))
}

func describeField(fe validator.FieldError) string {
	name := fe.Field()
	switch fe.Field() {
	case "ServerAddress":
		name = "server_address"
	case "ServerPort":
		name = "server_port"
	}
	switch fe.Tag() {
	case "required":
		return name + " is required"
	case "min", "max":
		if fe.Field() == "ServerPort" {
			return name + " must be 1-65535"
		}
		return name + " is too long"
	default:
		return name + " failed " + fe.Tag()
	}
}
