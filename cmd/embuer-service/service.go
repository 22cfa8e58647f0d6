package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/embuer/embuer/internal/logging"
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the embuer system service",
}

func init() {
	serviceCmd.AddCommand(installCmd, uninstallCmd, startCmd, stopCmd, restartCmd, statusCmd)
}

func newSVCConfig() *service.Config {
	config := &service.Config{
		Name:        serviceName,
		DisplayName: "Embuer",
		Description: "Embuer signed rootfs update service",
		Option:      make(service.KeyValue),
		EnvVars:     make(map[string]string),
	}
	if runtime.GOOS == "linux" {
		config.EnvVars["SYSTEMD_UNIT"] = serviceName
	}
	return config
}

func newSVC(prg service.Interface, conf *service.Config) (service.Service, error) {
	return service.New(prg, conf)
}

// buildServiceArguments returns the command line the service manager
// starts us with.
func buildServiceArguments() []string {
	args := []string{"run", "--config", configPath}
	if logLevel != "" {
		args = append(args, "--log-level", logLevel)
	}
	if logFile != "" {
		args = append(args, "--log-file", logFile)
	}
	return args
}

func createServiceConfigForInstall() (*service.Config, error) {
	conf := newSVCConfig()
	conf.Arguments = buildServiceArguments()

	if runtime.GOOS == "linux" {
		// Respected only by systemd.
		conf.Dependencies = []string{"After=local-fs.target network.target"}

		if logFile != "" && logFile != logging.Console {
			dir := filepath.Dir(logFile)
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
			conf.Option["LogOutput"] = true
			conf.Option["LogDirectory"] = dir
		}
	}
	return conf, nil
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the embuer service",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := createServiceConfigForInstall()
		if err != nil {
			return err
		}
		s, err := newSVC(&program{}, conf)
		if err != nil {
			return err
		}
		if err := s.Install(); err != nil {
			return fmt.Errorf("install service: %w", err)
		}
		cmd.Println("embuer service has been installed")
		return nil
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the embuer service",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSVC(&program{}, newSVCConfig())
		if err != nil {
			return err
		}
		if err := s.Uninstall(); err != nil {
			return fmt.Errorf("uninstall service: %w", err)
		}
		cmd.Println("embuer service has been uninstalled")
		return nil
	},
}

// controlCmd builds a subcommand that sends one control action to the
// service manager.
func controlCmd(use, short, done string, action func(service.Service) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSVC(&program{}, newSVCConfig())
			if err != nil {
				return err
			}
			if err := action(s); err != nil {
				return fmt.Errorf("%s service: %w", use, err)
			}
			cmd.Println("embuer service has been " + done)
			return nil
		},
	}
}

var (
	startCmd   = controlCmd("start", "Start the embuer service", "started", service.Service.Start)
	stopCmd    = controlCmd("stop", "Stop the embuer service", "stopped", service.Service.Stop)
	restartCmd = controlCmd("restart", "Restart the embuer service", "restarted", service.Service.Restart)
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the embuer service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSVC(&program{}, newSVCConfig())
		if err != nil {
			return err
		}
		status, err := s.Status()
		if errors.Is(err, service.ErrNotInstalled) {
			cmd.Println("embuer service is not installed")
			return nil
		}
		if err != nil {
			return fmt.Errorf("get service status: %w", err)
		}
		cmd.Println("embuer service is " + statusName(status))
		return nil
	},
}

func statusName(s service.Status) string {
	switch s {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "in an unknown state"
	}
}
