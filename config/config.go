// Package config holds the dongle configuration consumed by the session
// layer. The struct is an immutable snapshot: changing it requires a
// session stop and start.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/wikilift/pi-carplay/protocol"
)

// PhoneTypeConfig carries per-phone tuning. FrameInterval, when set, is
// the cadence in milliseconds of the frame-heartbeat command the session
// sends while streaming.
type PhoneTypeConfig struct {
	FrameInterval *int `mapstructure:"frameInterval" json:"frameInterval"`
}

// DongleConfig is the full configuration pushed to the dongle during the
// initialise sequence.
type DongleConfig struct {
	Width             int32  `mapstructure:"width" json:"width"`
	Height            int32  `mapstructure:"height" json:"height"`
	Fps               int32  `mapstructure:"fps" json:"fps"`
	Dpi               int32  `mapstructure:"dpi" json:"dpi"`
	Format            int32  `mapstructure:"format" json:"format"`
	IBoxVersion       int32  `mapstructure:"iBoxVersion" json:"iBoxVersion"`
	PhoneWorkMode     int32  `mapstructure:"phoneWorkMode" json:"phoneWorkMode"`
	PacketMax         int32  `mapstructure:"packetMax" json:"packetMax"`
	MediaDelay        int32  `mapstructure:"mediaDelay" json:"mediaDelay"`
	NightMode         bool   `mapstructure:"nightMode" json:"nightMode"`
	AudioTransferMode bool   `mapstructure:"audioTransferMode" json:"audioTransferMode"`
	WifiType          string `mapstructure:"wifiType" json:"wifiType"` // "2.4ghz" or "5ghz"
	WifiChannel       int32  `mapstructure:"wifiChannel" json:"wifiChannel"`
	MicType           string `mapstructure:"micType" json:"micType"` // "box" or "os"
	CarName           string `mapstructure:"carName" json:"carName"`
	OemName           string `mapstructure:"oemName" json:"oemName"`

	PhoneConfig map[protocol.PhoneType]*PhoneTypeConfig `mapstructure:"phoneConfig" json:"phoneConfig"`

	// Icon blobs written to the dongle during initialise. Optional;
	// missing icons are skipped.
	Icon120 []byte `mapstructure:"-" json:"-"`
	Icon180 []byte `mapstructure:"-" json:"-"`
	Icon256 []byte `mapstructure:"-" json:"-"`
}

// Default returns the stock configuration for a 800x480 head unit.
func Default() *DongleConfig {
	carplayInterval := 5000
	return &DongleConfig{
		Width:         800,
		Height:        480,
		Fps:           60,
		Dpi:           160,
		Format:        5,
		IBoxVersion:   2,
		PhoneWorkMode: 2,
		PacketMax:     49152,
		MediaDelay:    300,
		NightMode:     true,
		WifiType:      "5ghz",
		WifiChannel:   36,
		MicType:       "os",
		CarName:       "pi-carplay",
		OemName:       "pi-carplay",
		PhoneConfig: map[protocol.PhoneType]*PhoneTypeConfig{
			protocol.PhoneTypeCarPlay:     {FrameInterval: &carplayInterval},
			protocol.PhoneTypeAndroidAuto: {},
		},
	}
}

// Load reads overrides for the default configuration from an optional
// config file and CARPLAY_-prefixed environment variables.
func Load(path string) (*DongleConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("carplay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees keys viper already knows; bind each scalar key
	// so its environment variable applies even without a config file.
	for _, key := range []string{
		"width", "height", "fps", "dpi", "format", "iBoxVersion",
		"phoneWorkMode", "packetMax", "mediaDelay", "nightMode",
		"audioTransferMode", "wifiType", "wifiChannel", "micType",
		"carName", "oemName",
	} {
		_ = v.BindEnv(key)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects geometry and wifi settings the dongle cannot accept.
func (c *DongleConfig) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("invalid geometry %dx%d", c.Width, c.Height)
	}
	if c.Fps <= 0 || c.Fps > 240 {
		return fmt.Errorf("invalid fps %d", c.Fps)
	}
	switch c.WifiType {
	case "2.4ghz", "5ghz":
	default:
		return fmt.Errorf("invalid wifiType %q", c.WifiType)
	}
	return nil
}

// WifiChannelOrDefault returns the configured channel, or the band default.
func (c *DongleConfig) WifiChannelOrDefault() int32 {
	if c.WifiChannel > 0 {
		return c.WifiChannel
	}
	if c.WifiType == "5ghz" {
		return 36
	}
	return 1
}

// WifiCommand returns the band-select command for the initialise sequence.
func (c *DongleConfig) WifiCommand() protocol.CommandValue {
	if c.WifiType == "5ghz" {
		return protocol.CmdWifi5G
	}
	return protocol.CmdWifi24G
}

// MicCommand returns the microphone-routing command for the initialise
// sequence.
func (c *DongleConfig) MicCommand() protocol.CommandValue {
	if c.MicType == "box" {
		return protocol.CmdBoxMicrophone
	}
	return protocol.CmdCarMicrophone
}

// AudioTransferCommand returns the command selecting whether phone audio
// stays on the phone (transfer on) or flows through the dongle.
func (c *DongleConfig) AudioTransferCommand() protocol.CommandValue {
	if c.AudioTransferMode {
		return protocol.CmdAudioTransferOn
	}
	return protocol.CmdAudioTransferOff
}

// FrameInterval returns the frame-heartbeat cadence for a phone type, or
// 0 when the phone does not use one.
func (c *DongleConfig) FrameInterval(pt protocol.PhoneType) int {
	if pc, ok := c.PhoneConfig[pt]; ok && pc != nil && pc.FrameInterval != nil {
		return *pc.FrameInterval
	}
	return 0
}
