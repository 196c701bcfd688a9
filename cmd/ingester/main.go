package main

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/merchstream/ingester/internal/common"
	"github.com/merchstream/ingester/internal/ingester"
	"github.com/merchstream/ingester/internal/ingester/configuration"
)

const CustomConfigLocation = "config"

func init() {
	pflag.StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)",
	)
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.IngesterConfiguration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)
	common.LoadConfig(&config, "./config/ingester", userSpecifiedConfigs)

	ingester.Run(&config)
}
