// Jobpilot CLI — инструмент командной строки для подачи заявок
// и наблюдения за ними через HTTP API.
//
// Использование:
//
//	jobpilot [--api-url URL] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	app    Управление applications
//	batch  Пакетная подача
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/Jobpilot/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "jobpilot",
		Short:         "Jobpilot CLI — automated job applications",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultURL := os.Getenv("JOBPILOT_API_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", defaultURL, "API server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewAppCmd(clientFn, outputFn),
		cli.NewBatchCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		outputFn().Error(err.Error())
		os.Exit(1)
	}
}
