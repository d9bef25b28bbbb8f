package cli

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// bindFlag lets a set flag win over env and config file values.
func bindFlag(v *viper.Viper, key string, f *pflag.Flag) {
	if f == nil {
		return
	}
	if err := v.BindPFlag(key, f); err != nil {
		panic(err)
	}
}
