package commands

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pipewatch/pipewatch/internal/config"
)

// ErrConfigExists is returned when config init would overwrite an existing
// file and --force was not given.
var ErrConfigExists = errors.New("config file already exists")

const configFilePerm = 0o600

const maskedPrefixLen = 4

// defaultConfigYAML is the annotated template written by "config init".
// Keys mirror the settings read by the config package; commented lines
// show the built-in defaults.
const defaultConfigYAML = `# pipewatch configuration.
#
# Every key can be overridden with a PIPEWATCH_-prefixed environment
# variable, e.g. PIPEWATCH_GITLAB_TOKEN overrides gitlab.token.

server:
  host: 0.0.0.0
  port: 8080
  # cors_origins: []              # browser origins allowed to call the API
  # read_timeout: 30s
  # write_timeout: 30s
  # idle_timeout: 60s

store:
  path: pipelines.db

gitlab:
  url: https://gitlab.example.com
  token: ""                       # access token with read_api scope
  monitor_groups:
    - my-group
  # branch_filter_regex: "^(main|master|develop)$"
  # timeout_seconds: 30
  # requests_per_second: 0        # 0 disables client-side rate limiting
  # skip_invalid_certs: false

poller:
  interval_seconds: 60
  backfill_days: 30
  # capacity: 10000               # query cache entries
  # ttl_seconds: 600              # query cache entry lifetime

logging:
  level: info                     # debug, info, warn, error
  format: text                    # text or json

telemetry:
  # otlp_endpoint: localhost:4317
  # otlp_headers: ""              # comma-separated key=value pairs
  # sample_ratio: 0.0
  # insecure: false
`

// NewConfigCommand creates the config command group.
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the pipewatch configuration file",
	}

	cmd.AddCommand(newConfigInitCommand())
	cmd.AddCommand(newConfigShowCommand())

	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var (
		outputPath string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an annotated configuration template",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigInit(outputPath, force, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "config.yaml", "Path to write the template to")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	return cmd
}

func newConfigShowCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after defaults and environment overrides",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigShow(configPath, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	return cmd
}

func runConfigInit(path string, force bool, out io.Writer) error {
	if !force {
		_, statErr := os.Stat(path)
		if statErr == nil {
			return fmt.Errorf("%w: %s (use --force to overwrite)", ErrConfigExists, path)
		}
	}

	writeErr := os.WriteFile(path, []byte(defaultConfigYAML), configFilePerm)
	if writeErr != nil {
		return fmt.Errorf("write config template: %w", writeErr)
	}

	fmt.Fprintf(out, "Wrote %s\n", path)

	return nil
}

func runConfigShow(configPath string, out io.Writer) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(newConfigView(cfg))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	_, err = out.Write(data)

	return err
}

// configView is the YAML projection of the effective configuration:
// durations formatted, the forge token masked.
type configView struct {
	Server    serverView    `yaml:"server"`
	Store     storeView     `yaml:"store"`
	GitLab    gitlabView    `yaml:"gitlab"`
	Poller    pollerView    `yaml:"poller"`
	Logging   loggingView   `yaml:"logging"`
	Telemetry telemetryView `yaml:"telemetry"`
}

type serverView struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	CORSOrigins  []string `yaml:"cors_origins"`
	ReadTimeout  string   `yaml:"read_timeout"`
	WriteTimeout string   `yaml:"write_timeout"`
	IdleTimeout  string   `yaml:"idle_timeout"`
}

type storeView struct {
	Path string `yaml:"path"`
}

type gitlabView struct {
	URL               string   `yaml:"url"`
	Token             string   `yaml:"token"`
	MonitorGroups     []string `yaml:"monitor_groups"`
	BranchFilterRegex string   `yaml:"branch_filter_regex,omitempty"`
	TimeoutSeconds    int      `yaml:"timeout_seconds"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	SkipInvalidCerts  bool     `yaml:"skip_invalid_certs"`
}

type pollerView struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	BackfillDays    int `yaml:"backfill_days"`
	Capacity        int `yaml:"capacity"`
	TTLSeconds      int `yaml:"ttl_seconds"`
}

type loggingView struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type telemetryView struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint,omitempty"`
	OTLPHeaders  string  `yaml:"otlp_headers,omitempty"`
	SampleRatio  float64 `yaml:"sample_ratio"`
	Insecure     bool    `yaml:"insecure"`
}

func newConfigView(cfg *config.Config) configView {
	return configView{
		Server: serverView{
			Host:         cfg.Server.Host,
			Port:         cfg.Server.Port,
			CORSOrigins:  cfg.Server.CORSOrigins,
			ReadTimeout:  cfg.Server.ReadTimeout.String(),
			WriteTimeout: cfg.Server.WriteTimeout.String(),
			IdleTimeout:  cfg.Server.IdleTimeout.String(),
		},
		Store: storeView{Path: cfg.Store.Path},
		GitLab: gitlabView{
			URL:               cfg.GitLab.URL,
			Token:             maskSecret(cfg.GitLab.Token),
			MonitorGroups:     cfg.GitLab.MonitorGroups,
			BranchFilterRegex: cfg.GitLab.BranchFilterRegex,
			TimeoutSeconds:    cfg.GitLab.TimeoutSeconds,
			RequestsPerSecond: cfg.GitLab.RequestsPerSecond,
			SkipInvalidCerts:  cfg.GitLab.SkipInvalidCerts,
		},
		Poller: pollerView{
			IntervalSeconds: cfg.Poller.IntervalSeconds,
			BackfillDays:    cfg.Poller.BackfillDays,
			Capacity:        cfg.Poller.Capacity,
			TTLSeconds:      cfg.Poller.TTLSeconds,
		},
		Logging: loggingView{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		},
		Telemetry: telemetryView{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			OTLPHeaders:  cfg.Telemetry.OTLPHeaders,
			SampleRatio:  cfg.Telemetry.SampleRatio,
			Insecure:     cfg.Telemetry.Insecure,
		},
	}
}

// maskSecret hides all but a short identifying prefix of a credential.
func maskSecret(secret string) string {
	if len(secret) <= maskedPrefixLen*2 {
		return "****"
	}

	return secret[:maskedPrefixLen] + "****"
}
