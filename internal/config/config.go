// Package config builds taskwave's layered configuration: flags override
// environment variables (TASKWAVE_*) override defaults, via spf13/viper.
// Grounded on 88lin-divinesense's cmd/divinesense/main.go init(), which
// binds the same PersistentFlags/BindEnv/SetEnvPrefix pattern generalized
// here from one server's flag set to taskwave's run/serve/schedules config.
package config

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is taskwave's fully resolved runtime configuration.
type Config struct {
	Addr                 string
	Port                 int
	StoreDataDir         string
	DefaultShell         string
	InputSizeCapBytes    int64
	OutputCaptureCapBytes int64
	PolicyServiceURL     string
	ModelRegistryURL     string
	SchedulerMaxJitter   time.Duration
	LogJSON              bool
	LogLevel             string
}

// New returns a viper instance pre-populated with taskwave's defaults and
// reading TASKWAVE_* environment variables. It binds no flags itself;
// BindFlags attaches the flag set of the cobra command that owns it.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("addr", "")
	v.SetDefault("port", 7070)
	v.SetDefault("store_data_dir", "./data")
	v.SetDefault("default_shell", "")
	v.SetDefault("input_size_cap_bytes", int64(10<<20))
	v.SetDefault("output_capture_cap_bytes", int64(10<<20))
	v.SetDefault("policy_service_url", "")
	v.SetDefault("model_registry_url", "")
	v.SetDefault("scheduler_max_jitter", "0s")
	v.SetDefault("log_json", false)
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("taskwave")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	return v
}

// BindFlags binds a cobra command's persistent flag set into v, the way
// divinesense's init() binds rootCmd.PersistentFlags().
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	return v.BindPFlags(flags)
}

// Resolve materializes a Config from a populated viper instance.
func Resolve(v *viper.Viper) Config {
	jitter, err := time.ParseDuration(v.GetString("scheduler_max_jitter"))
	if err != nil {
		jitter = 0
	}
	return Config{
		Addr:                  v.GetString("addr"),
		Port:                  v.GetInt("port"),
		StoreDataDir:          v.GetString("store_data_dir"),
		DefaultShell:          v.GetString("default_shell"),
		InputSizeCapBytes:     v.GetInt64("input_size_cap_bytes"),
		OutputCaptureCapBytes: v.GetInt64("output_capture_cap_bytes"),
		PolicyServiceURL:      v.GetString("policy_service_url"),
		ModelRegistryURL:      v.GetString("model_registry_url"),
		SchedulerMaxJitter:    jitter,
		LogJSON:               v.GetBool("log_json"),
		LogLevel:              v.GetString("log_level"),
	}
}
