// Package main is the entrypoint for the jumpexec CLI.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// envPrefix prefixes the environment variable of every flag, so --bastion
// can also be given as JUMPEXEC_BASTION.
const envPrefix = "JUMPEXEC"

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

// options holds the resolved flag and environment values.
type options struct {
	bastion     string
	targets     string
	commands    string
	localPath   string
	remotePath  string
	concurrency int
	timeout     int
	inventory   string
	knownHosts  string
	local       bool
	logLevel    string
	logFormat   string
	logFile     string
	progress    bool
	noColor     bool
	metricsFile string
}

func loadOptions(v *viper.Viper) options {
	return options{
		bastion:     v.GetString("bastion"),
		targets:     v.GetString("targets"),
		commands:    v.GetString("commands"),
		localPath:   v.GetString("local-path"),
		remotePath:  v.GetString("remote-path"),
		concurrency: v.GetInt("concurrency"),
		timeout:     v.GetInt("timeout"),
		inventory:   v.GetString("inventory"),
		knownHosts:  v.GetString("known-hosts"),
		local:       v.GetBool("local"),
		logLevel:    v.GetString("log-level"),
		logFormat:   v.GetString("log-format"),
		logFile:     v.GetString("log-file"),
		progress:    v.GetBool("progress"),
		noColor:     v.GetBool("no-color"),
		metricsFile: v.GetString("metrics-file"),
	}
}

// newRootCmd builds the command tree. The JSON result set goes to stdout;
// logs, progress and errors go to stderr.
func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "jumpexec",
		Short: "Run commands on or upload files to hosts behind a bastion",
		Long: `jumpexec reaches a fleet of hosts through a single SSH bastion, runs
shell commands on them or uploads a file tree to them, and prints one JSON
result per host on stdout.

Every flag can also be set in the environment as JUMPEXEC_<FLAG>, with dashes
replaced by underscores (for example JUMPEXEC_BASTION).`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	flags := rootCmd.PersistentFlags()
	flags.String("bastion", "", `Bastion as JSON: {"host","port","user","password"}`)
	flags.String("targets", "", `Targets as a JSON array: [{"name","host","port","user","password"}]`)
	flags.String("commands", "", "Commands as a JSON array of strings (exec)")
	flags.String("local-path", "", "Local file or directory to upload (upload)")
	flags.String("remote-path", "", "Remote destination directory (upload)")
	flags.IntP("concurrency", "c", 1, "Number of targets processed in parallel")
	flags.Int("timeout", 120, "Per-operation timeout in seconds")
	flags.StringP("inventory", "i", "", "YAML or JSON inventory file with bastion, targets and commands")
	flags.String("known-hosts", "", "Verify host keys against this known_hosts file instead of accepting and logging them")
	flags.Bool("local", false, "Run against this machine instead of dialing the targets")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.String("log-format", "console", "Log format: console or json")
	flags.String("log-file", "", "Also write logs to this file")
	flags.Bool("progress", false, "Print per-target progress and a recap to stderr")
	flags.Bool("no-color", false, "Disable colored progress output")
	flags.String("metrics-file", "", "Write Prometheus metrics for the run to this file")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd.AddCommand(newExecCmd(v, stdout, stderr))
	rootCmd.AddCommand(newUploadCmd(v, stdout, stderr))
	rootCmd.AddCommand(newValidateCmd(v, stdout))

	return rootCmd
}

func newExecCmd(v *viper.Viper, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "exec",
		Short: "Run commands on every target",
		Long: `Run an ordered list of shell commands on every target. Commands on a
target stop at the first non-zero exit status.

Examples:
  jumpexec exec --bastion '{"host":"bastion","user":"ops","password":"..."}' \
    --targets '[{"host":"10.0.0.5","user":"root","password":"..."}]' \
    --commands '["uptime","df -h"]'
  jumpexec exec -i fleet.yaml -c 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), modeExec, loadOptions(v), stdout, stderr)
		},
	}
}

func newUploadCmd(v *viper.Viper, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "upload",
		Short: "Upload a file or directory to every target",
		Long: `Upload a local file or directory tree into a remote directory on every
target. Missing remote directories are created and file permissions are kept.

Examples:
  jumpexec upload -i fleet.yaml --local-path ./dist --remote-path /opt/app`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), modeUpload, loadOptions(v), stdout, stderr)
		},
	}
}

func newValidateCmd(v *viper.Viper, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <exec|upload>",
		Short: "Validate inputs without connecting",
		Long: `Parse and validate the inputs of an exec or upload run without opening
any connection.

This checks for:
  - Valid JSON or YAML
  - Bastion and target credentials
  - A non-empty command list (exec)
  - An existing local path and a remote path (upload)

Examples:
  jumpexec validate exec -i fleet.yaml`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{modeExec, modeUpload},
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := args[0]
			if mode != modeExec && mode != modeUpload {
				return fmt.Errorf("unknown mode %q (use exec or upload)", mode)
			}

			p, err := resolve(mode, loadOptions(v))
			if err != nil {
				return err
			}

			fmt.Fprintf(stdout, "OK: %s inputs valid for %d target(s)\n", mode, len(p.targets))
			return nil
		},
	}
}
