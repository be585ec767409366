package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// RoomConfig describes one room: its name doubles as the conference
// subject, and audio is the path of the raw PCM asset it loops.
type RoomConfig struct {
	Name  string `mapstructure:"name"`
	Audio string `mapstructure:"audio"`
}

type Config struct {
	Mode       string       `mapstructure:"mode"`
	Port       int          `mapstructure:"port"`
	SampleRate int          `mapstructure:"sample_rate"`
	Language   string       `mapstructure:"language"`
	Recognizer string       `mapstructure:"recognizer"`
	Rooms      []RoomConfig `mapstructure:"rooms"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("sample_rate", 16000)
	v.SetDefault("language", "en-US")
	v.SetDefault("recognizer", "google")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(cfg.Rooms) == 0 {
		return nil, fmt.Errorf("config: at least one room is required")
	}
	for i, room := range cfg.Rooms {
		if room.Name == "" || room.Audio == "" {
			return nil, fmt.Errorf("config: room %d needs both name and audio", i)
		}
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Rooms: %d\n", cfg.Mode, cfg.Port, len(cfg.Rooms))
	return &cfg, nil
}
