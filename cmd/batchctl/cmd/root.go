package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "batchctl",
	Short: "batchctl runs container tasks on AWS Batch",
	Long: `batchctl is the command-line interface for batchrunner.

batchrunner runs a container command as a one-off AWS Batch job. It prepares the
job definition, stages files through S3, follows the job with live logs and
cleans everything up afterwards.

Common workflows:

  Run a task right here and wait for it:
    batchctl exec --name report --image python:3.12 --command "python,report.py" --input report.py

  Queue a task on the controller:
    batchctl submit --name report --image alpine --command "echo,hello"

  Check a task:
    batchctl status <task-id>

  Follow its logs:
    batchctl logs <task-id> --follow

  Stop it:
    batchctl kill <task-id>

Configuration:
  Flags can also be set in $HOME/.batchctl.yaml or through environment variables:
    BATCHRUNNER_URL      Controller URL (default: http://localhost:6161)
    BATCHRUNNER_TOKEN    Bearer token for the controller
    BATCHRUNNER_REGION, BATCHRUNNER_COMPUTE_ENVIRONMENT, BATCHRUNNER_BUCKET, ...  for exec`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".batchctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".batchctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "BATCHRUNNER_VARNAME"
	configureEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func configureEnv() {
	viper.SetEnvPrefix("BATCHRUNNER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.batchctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "batchrunner controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "Bearer token for the controller")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

// newClient builds a controller client from the resolved url and token.
func newClient() *TaskClient {
	return NewTaskClient(viper.GetString("url"), viper.GetString("token"))
}

// printAPIError prints err, showing the status code for controller errors.
func printAPIError(cmd *cobra.Command, action string, err error) {
	if apiErr, ok := err.(*APIError); ok {
		cmd.Printf("%s failed (%d): %s\n", action, apiErr.StatusCode, strings.TrimSpace(apiErr.Message))
		return
	}
	cmd.Printf("%s failed: %v\n", action, err)
}
