package main

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type subgraphConfig struct {
	Name                 string `mapstructure:"name"`
	RoutingURL           string `mapstructure:"routing_url"`
	SubscriptionURL      string `mapstructure:"subscription_url"`
	SubscriptionProtocol string `mapstructure:"subscription_protocol"`
}

type plannerConfig struct {
	MaxDepth        int `mapstructure:"max_depth"`
	CostBudget      int `mapstructure:"cost_budget"`
	DefaultListSize int `mapstructure:"default_list_size"`
}

type config struct {
	Listen       string           `mapstructure:"listen"`
	AdminListen  string           `mapstructure:"admin_listen"`
	LogLevel     string           `mapstructure:"log_level"`
	PollInterval time.Duration    `mapstructure:"poll_interval"`
	Planner      plannerConfig    `mapstructure:"planner"`
	Subgraphs    []subgraphConfig `mapstructure:"subgraphs"`
}

func loadConfig(path string) (*config, error) {
	v := viper.New()
	v.SetDefault("listen", ":4000")
	v.SetDefault("admin_listen", ":4001")
	v.SetDefault("log_level", "info")
	v.SetDefault("poll_interval", 30*time.Second)

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", path)
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshalling config")
	}
	for i, sub := range cfg.Subgraphs {
		if sub.Name == "" || sub.RoutingURL == "" {
			return nil, errors.Errorf("subgraphs[%d]: name and routing_url are required", i)
		}
	}
	return &cfg, nil
}
