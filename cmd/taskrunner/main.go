package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/CZERTAINLY/TaskRunner/internal/log"
	"github.com/CZERTAINLY/TaskRunner/internal/model"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

const (
	configName = "taskrunner.yaml"
	configEnv  = "TASKRUNNERCONFIG"
)

var (
	userConfigPath string // /default/config/path/taskrunner on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	logCloser      io.Closer

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "taskrunner")
}

func main() {
	rootCmd := newRootCmd()
	err := rootCmd.Execute()
	if logCloser != nil {
		_ = logCloser.Close()
	}
	if err != nil {
		slog.Error("taskrunner failed", "err", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "taskrunner",
		Short:        "Runs tasks received over a message bus in worker processes",
		SilenceUsage: true,
		// never print messages
		SilenceErrors: true,
		// parse or create a config, setup logging
		PersistentPreRunE: initTaskRunner,
	}
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(newSubmitCmd())
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(versionCmd)
	return rootCmd
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a taskrunner",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Fprintln(out, "taskrunner: version info not available")
			return
		}

		if configPath != "" {
			fmt.Fprintf(out, "config:     %s\n", configPath)
		}
		fmt.Fprintf(out, "taskrunner: %s\n", info.Main.Version)
		fmt.Fprintf(out, "go:         %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Fprintf(out, "commit:     %s\n", s.Value)
			case "vcs.time":
				fmt.Fprintf(out, "date:       %s\n", s.Value)
			case "vcs.modified":
				fmt.Fprintf(out, "dirty:      %s\n", s.Value)
			}
		}
	},
}

func initTaskRunner(cmd *cobra.Command, _ []string) error {
	var err error
	configPath, config, err = loadConfig(flagConfigFilePath)
	if err != nil {
		return err
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	w, closer, err := log.Open(config.Service.Log)
	if err != nil {
		return err
	}
	logCloser = closer
	slog.SetDefault(log.New(config.Service.Verbose, w))

	slog.Debug("taskrunner", "configPath", configPath)
	slog.Debug("taskrunner", "config", config)
	return nil
}

// loadConfig finds the config file, TASKRUNNERCONFIG wins over flag. When
// there is none, the default config is stored in the user config directory.
func loadConfig(flagPath string) (string, model.Config, error) {
	var path string
	if envConfig, ok := os.LookupEnv(configEnv); ok {
		path = envConfig
	} else if flagPath != "" {
		path = flagPath
	} else {
		for _, d := range []string{".", userConfigPath} {
			p := filepath.Join(d, configName)
			if exists(p) {
				path = p
				break
			}
		}
	}

	if path == "" {
		path = filepath.Join(userConfigPath, configName)
		cfg, err := storeDefault(path)
		return path, cfg, err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", model.Config{}, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for _, d := range model.ConfigErrDetails(err) {
			slog.Error("invalid config", d.Attr("detail"))
		}
		return "", model.Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return path, cfg, nil
}

func storeDefault(path string) (model.Config, error) {
	cfg := model.DefaultConfig()
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return model.Config{}, fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return model.Config{}, fmt.Errorf("storing configuration: %w", err)
	}
	if err := enc.Close(); err != nil {
		return model.Config{}, fmt.Errorf("storing configuration: %w", err)
	}
	return cfg, nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
