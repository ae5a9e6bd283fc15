package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bl4ck0w1/patchlynx/cmd/patchlynx/commands"
	"github.com/bl4ck0w1/patchlynx/pkg/utils"
)

var processLogger *utils.Logger

var (
	version   = "1.0.0"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:           "patchlynx",
	Short:         "PatchLynx - patch and version exposure assessment",
	Long:          "PatchLynx inventories the software running on a target (OS packages, web server, database, web frameworks and libraries) and reports what is outdated, vulnerable or missing a patch.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if err := initLogging(); err != nil {
			return err
		}
		if !viper.GetBool("quiet") {
			printBanner()
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.patchlynx/config.yaml)")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "quiet mode (no banner output)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().String("log-file", "", "log file path (rotated)")

	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
	_ = viper.BindPFlag("global.log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("global.log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("global.log_file", rootCmd.PersistentFlags().Lookup("log-file"))

	rootCmd.AddCommand(commands.NewAssessCommand())
	rootCmd.AddCommand(commands.NewClassifyCommand())
	rootCmd.AddCommand(commands.NewDiscoverCommand())
	rootCmd.AddCommand(commands.NewVersionDBCommand())
	rootCmd.AddCommand(commands.NewReportCommand())
	rootCmd.AddCommand(commands.NewConfigureCommand())
	rootCmd.AddCommand(commands.NewStatsCommand())
	rootCmd.AddCommand(commands.NewVersionCommand(version, commit, buildDate))

	rootCmd.InitDefaultCompletionCmd()
	installCommandOverview(rootCmd)

	rootCmd.SetVersionTemplate(fmt.Sprintf("PatchLynx %s (commit %s, built %s)\n", version, commit, buildDate))
}

func initConfig() error {
	viper.SetEnvPrefix("PATCHLYNX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("get home dir: %w", err)
		}
		viper.AddConfigPath(filepath.Join(home, ".patchlynx"))
		viper.AddConfigPath("/etc/patchlynx/")
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	} else {
		logrus.Debugf("Using config file: %s", viper.ConfigFileUsed())
	}
	return nil
}

// initLogging points the standard logrus logger at the configured sinks so
// every package logging through logrus.StandardLogger shares them.
func initLogging() error {
	logConfig := utils.LogConfig{
		Level:        viper.GetString("global.log_level"),
		Format:       viper.GetString("global.log_format"),
		FileLocation: viper.GetString("global.log_file"),
		MaxSize:      50,
		MaxBackups:   5,
		MaxAge:       30,
		Compress:     true,
	}
	if viper.GetBool("global.debug") {
		logConfig.Level = "debug"
	}

	logger, err := utils.NewLogger(logConfig, "patchlynx", version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize structured logger, falling back: %v\n", err)
		logrus.SetOutput(os.Stderr)
		logrus.SetLevel(logrus.InfoLevel)
		return nil
	}

	processLogger = logger
	logrus.SetOutput(logger.Out)
	logrus.SetLevel(logger.Level)
	logrus.SetFormatter(logger.Formatter)
	for _, hooks := range logger.Hooks {
		for _, h := range hooks {
			logrus.AddHook(h)
		}
	}
	return nil
}

func printBanner() {
	const banner = `
  ___      _       _    _
 | _ \__ _| |_ __| |_ | |  _  _ _ _ __ __
 |  _/ _' |  _/ _| ' \| |_| || | ' \\ \ /
 |_| \__,_|\__\__|_||_|____\_, |_||_/_\_\
                           |__/   v%s
`
	fmt.Fprintf(os.Stderr, banner, version)
	fmt.Fprintf(os.Stderr, "Build: %s (%s) | %s/%s\n\n", commit, buildDate, runtime.GOOS, runtime.GOARCH)
}

// installCommandOverview replaces the root help with a sorted command list.
func installCommandOverview(root *cobra.Command) {
	defaultHelp := root.HelpFunc()
	root.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if cmd != root {
			defaultHelp(cmd, args)
			return
		}

		fmt.Println(root.Long)
		fmt.Println()
		fmt.Println("USAGE:")
		fmt.Println("  patchlynx [command] [flags]")
		fmt.Println()

		cmds := []*cobra.Command{}
		for _, c := range root.Commands() {
			if c.IsAvailableCommand() && !c.Hidden {
				cmds = append(cmds, c)
			}
		}
		sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name() < cmds[j].Name() })
		fmt.Println("COMMANDS:")
		for _, c := range cmds {
			fmt.Printf("  %-12s %s\n", c.Name(), c.Short)
		}
		fmt.Println()

		fmt.Println("GLOBAL FLAGS:")
		fmt.Print(root.PersistentFlags().FlagUsages())
		fmt.Println()
		fmt.Println("Use \"patchlynx [command] --help\" for more information about a command.")
	})
}

func main() {
	startTime := time.Now()
	defer func() {
		if processLogger != nil {
			_ = processLogger.Close()
		}
	}()
	Execute()
	logrus.Debugf("Execution completed in %v", time.Since(startTime))
}
