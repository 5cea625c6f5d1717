package cmd

import (
	"bytes"
	"io/ioutil"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/brocaar/chirpstack-device-stack/internal/config"
)

var (
	cfgFile string
	version string
)

var rootCmd = &cobra.Command{
	Use:   "chirpstack-device-stack",
	Short: "ChirpStack Device Stack simulator",
	Long: `ChirpStack Device Stack is a LoRaWAN 1.0.x Class A/C end-device MAC
implementation; this binary runs a fleet of virtual devices against a
network-server over an MQTT gateway backend.
	> source & copyright information: https://github.com/brocaar/chirpstack-device-stack`,
	RunE: run,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to configuration file (optional)")
	rootCmd.PersistentFlags().Int("log-level", 4, "debug=5, info=4, error=2, fatal=1, panic=0")

	viper.BindPFlag("general.log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	// default values
	viper.SetDefault("redis.session_ttl", time.Hour*24*31)

	viper.SetDefault("simulator.region", "EU868")
	viper.SetDefault("simulator.device_count", 1)
	viper.SetDefault("simulator.uplink_interval", time.Minute)
	viper.SetDefault("simulator.f_port", 2)
	viper.SetDefault("simulator.payload", "0123")
	viper.SetDefault("simulator.dev_eui", "0102030405060708")
	viper.SetDefault("simulator.app_eui", "0807060504030201")
	viper.SetDefault("simulator.app_key", "01010101010101010101010101010101")

	viper.SetDefault("simulator.gateway.gateway_id", "0102030405060708")
	viper.SetDefault("simulator.gateway.backend.mqtt.server", "tcp://localhost:1883")
	viper.SetDefault("simulator.gateway.backend.mqtt.clean_session", true)
	viper.SetDefault("simulator.gateway.backend.mqtt.max_reconnect_interval", time.Minute)
	viper.SetDefault("simulator.gateway.backend.mqtt.event_topic_template", "gateway/{{ .GatewayID }}/event/up")
	viper.SetDefault("simulator.gateway.backend.mqtt.command_topic_template", "gateway/{{ .GatewayID }}/command/down")

	viper.SetDefault("metrics.prometheus.bind", "0.0.0.0:8080")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

// Execute executes the root command.
func Execute(v string) {
	version = v

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func initConfig() {
	config.Version = version

	if cfgFile != "" {
		b, err := ioutil.ReadFile(cfgFile)
		if err != nil {
			log.WithError(err).WithField("config", cfgFile).Fatal("error loading config file")
		}
		viper.SetConfigType("toml")
		if err := viper.ReadConfig(bytes.NewBuffer(b)); err != nil {
			log.WithError(err).WithField("config", cfgFile).Fatal("error loading config file")
		}
	} else {
		viper.SetConfigName("chirpstack-device-stack")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/chirpstack-device-stack")
		viper.AddConfigPath("/etc/chirpstack-device-stack")
		if err := viper.ReadInConfig(); err != nil {
			switch err.(type) {
			case viper.ConfigFileNotFoundError:
				log.Warning("no configuration file found, using defaults")
			default:
				log.WithError(err).Fatal("read configuration file error")
			}
		}
	}

	viperBindEnvs(config.C)

	if err := viper.Unmarshal(&config.C, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		log.WithError(err).Fatal("unmarshal config error")
	}
}

func viperBindEnvs(iface interface{}, parts ...string) {
	ifv := reflect.ValueOf(iface)
	ift := reflect.TypeOf(iface)
	for i := 0; i < ift.NumField(); i++ {
		v := ifv.Field(i)
		t := ift.Field(i)
		tv, ok := t.Tag.Lookup("mapstructure")
		if !ok {
			tv = strings.ToLower(t.Name)
		}
		if tv == "-" {
			continue
		}

		switch v.Kind() {
		case reflect.Struct:
			viperBindEnvs(v.Interface(), append(parts, tv)...)
		default:
			// Bash doesn't allow env variable names with a dot so
			// bind the double underscore version.
			keyDot := strings.Join(append(parts, tv), ".")
			keyUnderscore := strings.Join(append(parts, tv), "__")
			viper.BindEnv(keyDot, strings.ToUpper(keyUnderscore))
		}
	}
}
