// Package profile describes the desktop container every session runs and
// keeps the current copy in sync with its YAML file.
package profile

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"labgate/pkg/rfb"
)

const (
	DefaultImage         = "labgate/desktop:latest"
	DefaultPort          = 6080
	DefaultWebsocketPath = "/websockify"
	DefaultHomeDir       = "/home/student"
	DefaultStopTimeout   = 10 * time.Second
)

// ClipboardConfig toggles clipboard blocking per direction. Unset means blocked.
type ClipboardConfig struct {
	BlockClientCutText *bool `yaml:"block_client_cut_text,omitempty"`
	BlockServerCutText *bool `yaml:"block_server_cut_text,omitempty"`
}

// Profile is the desktop image and its runtime parameters.
type Profile struct {
	Image                 string            `yaml:"image"`
	Port                  int               `yaml:"port"`
	WebsocketPath         string            `yaml:"websocket_path"`
	HomeDir               string            `yaml:"home_dir"`
	StopTimeout           time.Duration     `yaml:"stop_timeout,omitempty"`
	Env                   map[string]string `yaml:"env,omitempty"`
	DefaultAllowedDomains []string          `yaml:"default_allowed_domains,omitempty"`
	Clipboard             ClipboardConfig   `yaml:"clipboard"`
}

// Default returns the built-in profile used when no file is configured.
func Default() *Profile {
	p := &Profile{}
	p.applyDefaults()
	return p
}

// Load reads a profile from a YAML file.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a profile document.
func Parse(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile file: %w", err)
	}
	p.applyDefaults()
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Profile) applyDefaults() {
	if p.Image == "" {
		p.Image = DefaultImage
	}
	if p.Port == 0 {
		p.Port = DefaultPort
	}
	if p.WebsocketPath == "" {
		p.WebsocketPath = DefaultWebsocketPath
	}
	if p.HomeDir == "" {
		p.HomeDir = DefaultHomeDir
	}
	if p.StopTimeout == 0 {
		p.StopTimeout = DefaultStopTimeout
	}
}

func (p *Profile) validate() error {
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("profile port %d out of range", p.Port)
	}
	if !strings.HasPrefix(p.WebsocketPath, "/") {
		return fmt.Errorf("websocket_path %q must start with /", p.WebsocketPath)
	}
	if !strings.HasPrefix(p.HomeDir, "/") {
		return fmt.Errorf("home_dir %q must be absolute", p.HomeDir)
	}
	return nil
}

// Filter returns the relay filter for this profile.
func (p *Profile) Filter() rfb.Filter {
	return rfb.Filter{
		BlockClientCutText: blocked(p.Clipboard.BlockClientCutText),
		BlockServerCutText: blocked(p.Clipboard.BlockServerCutText),
	}
}

func blocked(v *bool) bool {
	return v == nil || *v
}

// Holder hands out the current profile to concurrent readers.
type Holder struct {
	current atomic.Pointer[Profile]
}

// NewHolder returns a holder seeded with p, or Default() when p is nil.
func NewHolder(p *Profile) *Holder {
	if p == nil {
		p = Default()
	}
	h := &Holder{}
	h.current.Store(p)
	return h
}

// Current returns the active profile. Callers must not mutate it.
func (h *Holder) Current() *Profile {
	return h.current.Load()
}

// Set swaps in a new profile.
func (h *Holder) Set(p *Profile) {
	if p != nil {
		h.current.Store(p)
	}
}
