package util

import (
	"os"
	"path"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// EnvPrefix is prepended to a flag's upper-cased name to form its environment variable
const EnvPrefix = "UA_"

// SetFlagsFromEnvVars reads and updates flag values from systemd credentials or from
// environment variables with prefix UA_. Flags set explicitly on the command line win.
func SetFlagsFromEnvVars(cmd *cobra.Command) {
	credsDir, present := os.LookupEnv("CREDENTIALS_DIRECTORY")

	apply := func(flags *pflag.FlagSet) {
		flags.VisitAll(func(f *pflag.Flag) {
			if f.Changed {
				return
			}
			name := flagNameToUpper(f.Name)

			if present {
				data, e := os.ReadFile(path.Join(credsDir, name))
				if e == nil {
					err := flags.Set(f.Name, strings.TrimSuffix(string(data), "\n"))
					if err != nil {
						log.Infof("unable to configure flag %s using credential %s, err: %v", f.Name, name, err)
					} else {
						return
					}
				}
			}

			// E.g. log-level -> UA_LOG_LEVEL
			envName := EnvPrefix + name
			if value, varPresent := os.LookupEnv(envName); varPresent {
				if err := flags.Set(f.Name, value); err != nil {
					log.Infof("unable to configure flag %s using variable %s, err: %v", f.Name, envName, err)
				}
			}
		})
	}

	apply(cmd.PersistentFlags())
	apply(cmd.Flags())
}

// flagNameToUpper converts a flag name to its corresponding base env name
// replacing dashes by underscores and making the result uppercase
// E.g. log-level -> LOG_LEVEL
func flagNameToUpper(cmdFlag string) string {
	return strings.ToUpper(strings.ReplaceAll(cmdFlag, "-", "_"))
}
