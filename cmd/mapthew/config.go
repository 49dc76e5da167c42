package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mapthew/mapthew/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change runtime settings",
	Long: `The bot name, model and Jira base URL are stored in the database and shared
by every mapthew process. Running servers and workers pick up changes within a
minute. The trigger label and verbose logging are read from the config file and
environment (JIRA_LABEL_TRIGGER, VERBOSE_LOGS) at startup.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current runtime settings as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return printSettings(cmd, a.settings.Get())
	},
}

var (
	setBotName     string
	setModel       string
	setJiraBaseURL string
)

var configSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change runtime settings",
	Long: `Change one or more runtime settings. Values are validated together; if any is
invalid nothing is changed.

Running servers and workers pick up changes within a minute. A new bot name
changes the job queue name, so restart both after renaming the bot.

Examples:
  mapthew config set --bot-name dexter
  mapthew config set --model claude-opus-4-5 --jira-base-url https://acme.atlassian.net`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		next := a.settings.Get()
		flags := cmd.Flags()
		if flags.Changed("bot-name") {
			next.BotName = setBotName
		}
		if flags.Changed("model") {
			m := config.Model(setModel)
			if !config.IsSupportedModel(m) {
				return fmt.Errorf("%w %q: must be one of %v", config.ErrInvalidModel, setModel, config.SupportedModels)
			}
			next.ClaudeModel = m
		}
		if flags.Changed("jira-base-url") {
			next.JiraBaseURL = setJiraBaseURL
		}

		if err := a.settings.Save(ctx, next); err != nil {
			return err
		}
		return printSettings(cmd, a.settings.Get())
	},
}

func printSettings(cmd *cobra.Command, s config.Settings) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(s)
}

func init() {
	configSetCmd.Flags().StringVar(&setBotName, "bot-name", "", "Mention handle, e.g. mapthew for @mapthew")
	configSetCmd.Flags().StringVar(&setModel, "model", "", "Model passed to the agent")
	configSetCmd.Flags().StringVar(&setJiraBaseURL, "jira-base-url", "", "Jira site, e.g. https://acme.atlassian.net (empty to unset)")

	configCmd.AddCommand(configShowCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}
