package email

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/alecthomas/units"
)

const (
	defaultPort    = 587
	defaultSSLPort = 465
)

// Credential is everything needed to reach and log in to a relay.
type Credential struct {
	Host     string
	Port     int
	UserName string
	Password string
	// Domain is announced in EHLO when set.
	Domain string
	UseSSL bool
}

// Settings represents config options provided by the user. Empty Host and
// UserName values are accepted here; the Sender reports them as failures
// at send time.
type Settings struct {
	Credential

	// The relay uses a self-signed certificate, e.g., in tests.
	SkipCertVerification bool
	// Per-connection I/O deadline. Zero means no deadline beyond the
	// caller's context.
	Timeout time.Duration
	// Zero means no limit.
	MaxMessageSize units.Base2Bytes
	// Extra host substrings that always get STARTTLS.
	ForceStartTLSHosts []string
}

// UnmarshalYAML parses the "email" section of a user-provided config.
func (s *Settings) UnmarshalYAML(unmarshal func(interface{}) error) error {
	v := make(map[string]interface{})
	if err := unmarshal(&v); err != nil {
		return fmt.Errorf("can't parse the email config: %v", err)
	}

	var err error
	if s.Host, err = stringField(v, "host"); err != nil {
		return err
	}
	if s.UserName, err = stringField(v, "userName"); err != nil {
		return err
	}
	if s.Password, err = stringField(v, "password"); err != nil {
		return err
	}
	if s.Domain, err = stringField(v, "domain"); err != nil {
		return err
	}

	if p, ok := v["port"]; ok {
		n, err := strconv.Atoi(fmt.Sprint(p))
		if err != nil {
			return fmt.Errorf("can't parse the SMTP port as an integer: %v", err)
		}
		s.Port = n
	}

	if s.UseSSL, err = boolField(v, "useSsl"); err != nil {
		return err
	}
	if s.SkipCertVerification, err = boolField(v, "skipCertVerification"); err != nil {
		return err
	}

	if d, ok := v["timeout"]; ok {
		pd, err := time.ParseDuration(fmt.Sprint(d))
		if err != nil {
			return fmt.Errorf("can't parse the SMTP timeout as a duration: %v", err)
		}
		s.Timeout = pd
	}

	if m, ok := v["maxMessageSize"]; ok {
		b, err := units.ParseBase2Bytes(fmt.Sprint(m))
		if err != nil {
			return fmt.Errorf("can't parse the maximum message size: %v", err)
		}
		s.MaxMessageSize = b
	}

	if h, ok := v["forceStartTlsHosts"]; ok {
		l, ok := h.([]interface{})
		if !ok {
			return errors.New("forceStartTlsHosts must be a list of host names")
		}
		s.ForceStartTLSHosts = make([]string, 0, len(l))
		for _, e := range l {
			hs, ok := e.(string)
			if !ok {
				return fmt.Errorf("forceStartTlsHosts entry %v is not a string", e)
			}
			s.ForceStartTLSHosts = append(s.ForceStartTLSHosts, hs)
		}
	}

	return nil
}

// CheckAndSetDefaults validates s and either returns a copy of s with default
// settings applied or returns an error due to an invalid configuration.
func (s *Settings) CheckAndSetDefaults() (Settings, error) {
	c := *s
	if c.Port == 0 {
		if c.UseSSL {
			c.Port = defaultSSLPort
		} else {
			c.Port = defaultPort
		}
	}
	if c.Port < 0 || c.Port > 65535 {
		return Settings{}, fmt.Errorf("SMTP port %v is out of range", c.Port)
	}
	if c.Timeout < 0 {
		return Settings{}, errors.New("SMTP timeout can not be negative")
	}
	if c.MaxMessageSize < 0 {
		return Settings{}, errors.New("maximum message size can not be negative")
	}
	c.ForceStartTLSHosts = append([]string(nil), s.ForceStartTLSHosts...)
	return c, nil
}

func stringField(v map[string]interface{}, key string) (string, error) {
	f, ok := v[key]
	if !ok || f == nil {
		return "", nil
	}
	switch t := f.(type) {
	case string:
		return t, nil
	case int, bool, float64:
		return fmt.Sprint(t), nil
	default:
		return "", fmt.Errorf("%v must be a string", key)
	}
}

func boolField(v map[string]interface{}, key string) (bool, error) {
	f, ok := v[key]
	if !ok || f == nil {
		return false, nil
	}
	b, ok := f.(bool)
	if !ok {
		return false, fmt.Errorf("%v must be true or false", key)
	}
	return b, nil
}
