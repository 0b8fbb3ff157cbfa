package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/eternis/fleetctl/internal/api/http"
	"github.com/eternis/fleetctl/internal/db"
)

type Config struct {
	Log       LogConfig
	Http      http.Config
	Database  db.Config
	Auth      AuthConfig      `mapstructure:"auth"`
	Fleet     FleetConfig     `mapstructure:"fleet"`
	Transport TransportConfig `mapstructure:"transport"`
}

type AuthConfig struct {
	JwtSecret     string        `mapstructure:"jwt_secret"`
	TokenTTL      time.Duration `mapstructure:"token_ttl"`
	AgentKey      string        `mapstructure:"agent_key"`
	AgentTokenTTL time.Duration `mapstructure:"agent_token_ttl"`
}

type FleetConfig struct {
	// SilenceWindow is how long an agent may go without a heartbeat before
	// it is marked disconnected.
	SilenceWindow time.Duration `mapstructure:"silence_window"`

	// DispatchTimeout is the default deadline for commands dispatched
	// without an explicit timeout.
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
}

type TransportConfig struct {
	// Mode selects the transport backend: "local" for a single controller,
	// "fanout" for multiple controllers sharing an MQTT broker.
	Mode      string `mapstructure:"mode"`
	BrokerURL string `mapstructure:"broker_url"`
	ClientID  string `mapstructure:"client_id"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

var config Config

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/fleetctl-controller")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("database.url", "DATABASE_URL")
	_ = viper.BindEnv("auth.jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("auth.agent_key", "AGENT_KEY")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

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
