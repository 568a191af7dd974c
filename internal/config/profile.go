package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const defaultInstructionSuffix = `These instructions are appended to every task and are not written by the user.
You are a computer use agent completing a task on a Linux desktop.
Prefer navigating to a website directly instead of going through a search engine first.
If you hit a CAPTCHA, ask the user to solve it or to take over through the VNC viewer.
You are done only when the user's task is finished. Ask questions when you need more information.`

// Profile holds agent and desktop settings loaded from YAML.
type Profile struct {
	InstructionSuffix string         `yaml:"instruction_suffix"`
	Desktop           DesktopProfile `yaml:"desktop"`
}

// DesktopProfile describes the display and ports of the desktop image.
type DesktopProfile struct {
	Display      string `yaml:"display"`
	VNCPort      int    `yaml:"vnc_port"`
	APIPort      int    `yaml:"api_port"`
	ScrollClicks int    `yaml:"scroll_clicks"`
	Browser      string `yaml:"browser"`
	WidthPx      int    `yaml:"width_px"`
	HeightPx     int    `yaml:"height_px"`
}

// DefaultProfile returns the built-in profile.
func DefaultProfile() *Profile {
	return &Profile{
		InstructionSuffix: defaultInstructionSuffix,
		Desktop: DesktopProfile{
			Display:      ":99",
			VNCPort:      5900,
			APIPort:      8000,
			ScrollClicks: 3,
			Browser:      "firefox-esr",
			WidthPx:      1024,
			HeightPx:     768,
		},
	}
}

// LoadProfile reads a YAML profile; unset fields keep their defaults.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}
	p := DefaultProfile()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return p, nil
}

// Validate checks the profile for unusable values.
func (p *Profile) Validate() error {
	if p.Desktop.Display == "" {
		return fmt.Errorf("profile desktop.display cannot be empty")
	}
	if p.Desktop.VNCPort <= 0 || p.Desktop.APIPort <= 0 {
		return fmt.Errorf("profile desktop ports must be > 0")
	}
	if p.Desktop.ScrollClicks <= 0 {
		return fmt.Errorf("profile desktop.scroll_clicks must be > 0")
	}
	return nil
}
