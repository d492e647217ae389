package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	yaml "gopkg.in/yaml.v3"
)

// Namespace is one regex entry of a registration namespace list.
type Namespace struct {
	Exclusive bool   `yaml:"exclusive"`
	Regex     string `yaml:"regex"`
}

// Registration is the appservice registration shared with the homeserver.
type Registration struct {
	ID              string `yaml:"id"`
	URL             string `yaml:"url"`
	ASToken         string `yaml:"as_token"`
	HSToken         string `yaml:"hs_token"`
	SenderLocalpart string `yaml:"sender_localpart"`
	RateLimited     *bool  `yaml:"rate_limited,omitempty"`
	Namespaces      struct {
		Users   []Namespace `yaml:"users"`
		Aliases []Namespace `yaml:"aliases"`
		Rooms   []Namespace `yaml:"rooms"`
	} `yaml:"namespaces"`
}

// BotUserID is the full user id of the bridge bot on domain.
func (r Registration) BotUserID(domain string) string {
	return "@" + r.SenderLocalpart + ":" + domain
}

// LoadRegistration reads and checks a registration file.
func LoadRegistration(path string) (*Registration, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registration: %w", err)
	}
	return ParseRegistration(raw)
}

// ParseRegistration decodes registration YAML. The tokens and the sender
// localpart are mandatory.
func ParseRegistration(raw []byte) (*Registration, error) {
	var reg Registration
	if err := yaml.Unmarshal(raw, &reg); err != nil {
		return nil, fmt.Errorf("parse registration: %w", err)
	}
	var missing []string
	if strings.TrimSpace(reg.ASToken) == "" {
		missing = append(missing, "as_token")
	}
	if strings.TrimSpace(reg.HSToken) == "" {
		missing = append(missing, "hs_token")
	}
	if strings.TrimSpace(reg.SenderLocalpart) == "" {
		missing = append(missing, "sender_localpart")
	}
	if len(missing) > 0 {
		return nil, errors.New("registration is missing " + strings.Join(missing, ", "))
	}
	return &reg, nil
}
