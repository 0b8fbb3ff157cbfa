package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log        LogConfig
	Controller ControllerConfig `mapstructure:"controller"`
	Agent      AgentConfig      `mapstructure:"agent"`
	SSH        SSHConfig        `mapstructure:"ssh"`
}

type ControllerConfig struct {
	URL      string `mapstructure:"url"`
	AgentKey string `mapstructure:"agent_key"`
}

type AgentConfig struct {
	// ID is the durable logical id. Left empty on first install; the
	// controller assigns one and it is written back here.
	ID                string        `mapstructure:"id"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`

	// MaxReconnectAttempts bounds consecutive failed connection attempts;
	// 0 means retry forever.
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts"`
}

type SSHConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	KeyPath  string        `mapstructure:"key_path"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

var config Config

// configFile is the resolved config path, used to persist the assigned
// agent id.
var configFile string

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/fleetctl-agent")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("controller.url", "CONTROLLER_URL")
	_ = viper.BindEnv("controller.agent_key", "AGENT_KEY")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}
	configFile = viper.ConfigFileUsed()

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
