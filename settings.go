package main

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/kirsle/configdir"
	"gopkg.in/yaml.v3"
)

const defaultConfigFileName = "botwatch.yaml"

var (
	errSettingDirectoryCreate = errors.New("failed to create settings directory")
	errSettingsRead           = errors.New("failed to read settings file")
	errSettingsDecode         = errors.New("failed to decode settings")
	errSettingsEncode         = errors.New("failed to encode settings")
	errSettingsWrite          = errors.New("failed to write settings file")
	errSettingsValidate       = errors.New("invalid settings")
)

type rconSettings struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	// Timeout is the per command timeout in seconds.
	Timeout int `yaml:"timeout"`
}

type userSettings struct {
	LogLevel        string `yaml:"log_level"`
	DebugLogEnabled bool   `yaml:"debug_log_enabled"`

	Rcon rconSettings `yaml:"rcon"`
	// ConsoleLogPath points at the game's console.log. Chat and kill events are
	// only available when set, roster polling works without it.
	ConsoleLogPath string `yaml:"console_log_path"`

	APIKey       string `yaml:"api_key"`
	BDAPIEnabled bool   `yaml:"bdapi_enabled"`
	BDAPIAddress string `yaml:"bdapi_address"`

	KickerEnabled       bool     `yaml:"kicker_enabled"`
	KickBots            bool     `yaml:"kick_bots"`
	KickCheaters        bool     `yaml:"kick_cheaters"`
	KickTags            []string `yaml:"kick_tags"`
	ChatWarningsEnabled bool     `yaml:"chat_warnings_enabled"`

	// All policy windows below are in seconds.
	PollInterval            int `yaml:"poll_interval"`
	PlayerDisconnectTimeout int `yaml:"player_disconnect_timeout"`
	PlayerExpiredTimeout    int `yaml:"player_expired_timeout"`
	KickCooldown            int `yaml:"kick_cooldown"`
	ActionTimeout           int `yaml:"action_timeout"`
	GlobalActionLimit       int `yaml:"global_action_limit"`
	GlobalActionWindow      int `yaml:"global_action_window"`
	ChatWarningInterval     int `yaml:"chat_warning_interval"`
	LookupCacheTTL          int `yaml:"lookup_cache_ttl"`
	LookupBackoffMin        int `yaml:"lookup_backoff_min"`
	LookupBackoffMax        int `yaml:"lookup_backoff_max"`
	LookupWorkers           int `yaml:"lookup_workers"`
	ReconnectDelayMin       int `yaml:"reconnect_delay_min"`
	ReconnectDelayMax       int `yaml:"reconnect_delay_max"`

	PlayerListPaths []string `yaml:"player_list_paths"`
	RuleListPaths   []string `yaml:"rule_list_paths"`
	RegexListPath   string   `yaml:"regex_list_path"`
	// WhitelistSteamIDs are never kicked or announced regardless of any rule
	// or reputation match.
	WhitelistSteamIDs []string `yaml:"whitelist_steam_ids"`

	configRoot string `yaml:"-"`
}

func defaultSettings() userSettings {
	return userSettings{
		LogLevel:        "info",
		DebugLogEnabled: false,
		Rcon: rconSettings{
			Address:  "127.0.0.1:27015",
			Password: "botwatch",
			Timeout:  5,
		},
		BDAPIAddress:            bdAPIDefaultAddress,
		KickerEnabled:           true,
		KickBots:                true,
		KickCheaters:            false,
		KickTags:                []string{"bot", "cheater"},
		ChatWarningsEnabled:     false,
		PollInterval:            10,
		PlayerDisconnectTimeout: 20,
		PlayerExpiredTimeout:    60,
		KickCooldown:            10,
		ActionTimeout:           30,
		GlobalActionLimit:       3,
		GlobalActionWindow:      30,
		ChatWarningInterval:     20,
		LookupCacheTTL:          3600,
		LookupBackoffMin:        10,
		LookupBackoffMax:        300,
		LookupWorkers:           4,
		ReconnectDelayMin:       1,
		ReconnectDelayMax:       60,
	}
}

func (s userSettings) PollDuration() time.Duration {
	return time.Second * time.Duration(s.PollInterval)
}

func (s userSettings) DisconnectTimeout() time.Duration {
	return time.Second * time.Duration(s.PlayerDisconnectTimeout)
}

func (s userSettings) ExpiredTimeout() time.Duration {
	return time.Second * time.Duration(s.PlayerExpiredTimeout)
}

func (s userSettings) RconTimeout() time.Duration {
	return time.Second * time.Duration(s.Rcon.Timeout)
}

func (s userSettings) DBPath() string {
	return filepath.Join(s.configRoot, "botwatch.sqlite")
}

func (s userSettings) LocalPlayerListPath() string {
	return filepath.Join(s.configRoot, "playerlist.local.json")
}

func (s userSettings) validate() error {
	if s.Rcon.Address == "" {
		return errors.Join(errors.New("rcon.address is required"), errSettingsValidate)
	}

	if s.PollInterval <= 0 {
		return errors.Join(errors.New("poll_interval must be positive"), errSettingsValidate)
	}

	if s.PlayerExpiredTimeout < s.PlayerDisconnectTimeout {
		return errors.Join(errors.New("player_expired_timeout must not be below player_disconnect_timeout"), errSettingsValidate)
	}

	if s.GlobalActionLimit <= 0 || s.GlobalActionWindow <= 0 {
		return errors.Join(errors.New("global action limits must be positive"), errSettingsValidate)
	}

	return nil
}

// loadAndValidateSettings reads the yaml config from the platform config dir,
// creating it with defaults on first run.
func loadAndValidateSettings() (userSettings, error) {
	settings := defaultSettings()

	configPath := configdir.LocalConfig("botwatch")
	if errMake := configdir.MakePath(configPath); errMake != nil {
		return settings, errors.Join(errMake, errSettingDirectoryCreate)
	}

	settings.configRoot = configPath

	settingsFilePath := filepath.Join(configPath, defaultConfigFileName)

	body, errRead := os.ReadFile(settingsFilePath)
	if errRead != nil {
		if !os.IsNotExist(errRead) {
			return settings, errors.Join(errRead, errSettingsRead)
		}

		if errWrite := writeSettings(settingsFilePath, settings); errWrite != nil {
			return settings, errWrite
		}

		return settings, settings.validate()
	}

	if errDecode := yaml.Unmarshal(body, &settings); errDecode != nil {
		return settings, errors.Join(errDecode, errSettingsDecode)
	}

	settings.configRoot = configPath

	return settings, settings.validate()
}

func writeSettings(path string, settings userSettings) error {
	body, errEncode := yaml.Marshal(settings)
	if errEncode != nil {
		return errors.Join(errEncode, errSettingsEncode)
	}

	if errWrite := os.WriteFile(path, body, 0o600); errWrite != nil {
		return errors.Join(errWrite, errSettingsWrite)
	}

	return nil
}
