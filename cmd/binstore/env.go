package main

import (
	"os"
	"strings"

	"github.com/spf13/pflag"
)

const environmentVariablePrefix = "BINSTORE_"

// Each flag can also be set with an env variable whose name starts with
// `BINSTORE_`, e.g. BINSTORE_LOG_LEVEL.
func setFlagsFromEnvVariables(fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		if val, present := os.LookupEnv(flagToEnvVarName(f)); present {
			_ = fs.Set(f.Name, val)
		}
	})
}

func flagToEnvVarName(f *pflag.Flag) string {
	return environmentVariablePrefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
}
