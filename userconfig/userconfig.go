package userconfig

import (
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/ptgott/smtpsend/compose"
	"github.com/ptgott/smtpsend/email"

	yaml "gopkg.in/yaml.v2"
)

// Meta represents all current config options that the application can use,
// i.e., after validation and parsing
type Meta struct {
	EmailSettings email.Settings `yaml:"email"`
	Message       compose.Draft  `yaml:"message"`
}

// CheckAndSetDefaults validates m and either returns a copy of m with default
// settings applied or returns an error due to an invalid configuration
func (m *Meta) CheckAndSetDefaults() (Meta, error) {
	c := Meta{}

	e, err := m.EmailSettings.CheckAndSetDefaults()
	if err != nil {
		return Meta{}, err
	}
	c.EmailSettings = e

	d, err := m.Message.CheckAndSetDefaults()
	if err != nil {
		return Meta{}, err
	}
	c.Message = d

	return c, nil
}

// Parse generates usable configurations from possibly arbitrary user input.
// An error indicates a problem with parsing. The Reader r can be either
// JSON or YAML.
func Parse(r io.Reader) (*Meta, error) {
	var m Meta
	err := yaml.NewDecoder(r).Decode(&m)
	if err != nil {
		return &Meta{}, fmt.Errorf("can't read the config file as YAML: %v", err)
	}

	if reflect.DeepEqual(m.EmailSettings, email.Settings{}) {
		return &Meta{}, errors.New("must include an \"email\" section")
	}

	if reflect.DeepEqual(m.Message, compose.Draft{}) {
		return &Meta{}, errors.New("must include a \"message\" section")
	}

	return &m, nil
}
