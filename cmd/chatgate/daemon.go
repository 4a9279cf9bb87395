package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install chatgate serve as a user service (launchd/systemd)",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			u := serviceUnit{Exec: execPath, Config: resolveConfigPath(), Home: home}

			switch runtime.GOOS {
			case "darwin":
				return u.install(launchdPath(home), launchdTemplate,
					"launchctl load "+launchdPath(home), "launchctl unload "+launchdPath(home))
			case "linux":
				return u.install(systemdPath(home), systemdTemplate,
					"systemctl --user enable --now chatgate", "systemctl --user stop chatgate")
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the chatgate user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			var path string
			switch runtime.GOOS {
			case "darwin":
				path = launchdPath(home)
			case "linux":
				path = systemdPath(home)
			default:
				return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Service removed: %s\n", path)
			return nil
		},
	}
}

const launchdLabel = "dev.chatgate.serve"

func launchdPath(home string) string {
	return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
}

func systemdPath(home string) string {
	return filepath.Join(home, ".config", "systemd", "user", "chatgate.service")
}

type serviceUnit struct {
	Exec   string
	Config string
	Home   string
}

func (u serviceUnit) render(tmpl string) string {
	logDir := filepath.Join(u.Home, ".chatgate", "logs")
	return strings.NewReplacer(
		"{{EXEC}}", u.Exec,
		"{{CONFIG}}", u.Config,
		"{{LABEL}}", launchdLabel,
		"{{LOG}}", filepath.Join(logDir, "chatgate.log"),
		"{{ERR_LOG}}", filepath.Join(logDir, "chatgate-error.log"),
	).Replace(tmpl)
}

func (u serviceUnit) install(path, tmpl, startHint, stopHint string) error {
	if err := os.MkdirAll(filepath.Join(u.Home, ".chatgate", "logs"), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(u.render(tmpl)), 0o644); err != nil {
		return err
	}
	fmt.Printf("Service installed: %s\n", path)
	fmt.Printf("To start: %s\n", startHint)
	fmt.Printf("To stop:  %s\n", stopHint)
	return nil
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>serve</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{ERR_LOG}}</string>
</dict>
</plist>`

const systemdTemplate = `[Unit]
Description=chatgate multi-channel message gateway
After=network-online.target

[Service]
Type=simple
ExecStart={{EXEC}} serve --config {{CONFIG}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target`
