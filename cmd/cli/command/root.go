package command

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"homegate/internal/pkg"
	"homegate/internal/plugin"
	"homegate/internal/protocol"
	"homegate/internal/registry"
	"homegate/internal/script"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// NewRootCommand 创建根命令
func NewRootCommand() *cobra.Command {
	var configDir string

	rootCmd := &cobra.Command{
		Use:           "homegate-cli",
		Short:         "Homegate CLI for checking rules, seeds and configuration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configDir, "config", "c", "yaml", "配置目录")

	rootCmd.AddCommand(
		NewRulesCommand(&configDir),
		NewConfigCommand(&configDir),
		NewSeedCommand(),
		NewListCommand(),
	)
	return rootCmd
}

// NewRulesCommand 创建 rules 子命令
func NewRulesCommand(configDir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect rule files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check [dir]",
		Short: "Extract the trigger event of each rule file and compile it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			} else {
				config, _, err := pkg.InitCommon(*configDir)
				if err != nil {
					return err
				}
				dir = config.Router.RulesDir
			}
			return checkRules(cmd.OutOrStdout(), dir)
		},
	})
	return cmd
}

func checkRules(out io.Writer, dir string) error {
	checks, err := script.CheckRules(dir)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tEVENT\tRESULT")
	failed := 0
	for _, c := range checks {
		result := "ok"
		if c.Err != nil {
			result = c.Err.Error()
			failed++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.File, c.Event, result)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d rule files rejected", failed, len(checks))
	}
	return nil
}

// NewConfigCommand 创建 config 子命令
func NewConfigCommand(configDir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the merged configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the merged yaml configuration with defaults applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, _, err := pkg.InitCommon(*configDir)
			if err != nil {
				return err
			}
			return showConfig(cmd.OutOrStdout(), config)
		},
	})
	return cmd
}

func showConfig(out io.Writer, config *pkg.Config) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(config)
}

// NewSeedCommand 创建 seed 子命令
func NewSeedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Validate registry seed files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <file>",
		Short: "Apply a seed file to an in-memory registry and list the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return checkSeed(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	})
	return cmd
}

func checkSeed(ctx context.Context, out io.Writer, path string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	config := &pkg.Config{}
	config.ApplyDefaults()
	ctx = pkg.WithLogger(pkg.WithConfig(ctx, config), zap.NewNop())

	reg := registry.NewMemory()
	manager := plugin.NewManager(ctx, reg, plugin.NewQueues(1), nil, pkg.NewMetrics())
	if err := manager.SyncDescriptors(ctx); err != nil {
		return err
	}
	if err := reg.LoadSeed(ctx, path); err != nil {
		return err
	}

	controllers, err := reg.Controllers.List(ctx)
	if err != nil {
		return err
	}
	devices, err := reg.Devices.List(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CONTROLLER\tPROTOCOL\tENABLED")
	for _, c := range controllers {
		fmt.Fprintf(w, "%d\t%s\t%t\n", c.ID, c.Protocol, c.Enabled)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "DEVICE\tPLUGIN\tENABLED\tSUBSCRIPTIONS")
	for _, d := range devices {
		desc, err := reg.Plugins.Get(ctx, d.PluginID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%v\n", d.Name, desc.Module, d.Enabled, d.Subscriptions())
	}
	return w.Flush()
}

// NewListCommand 创建 list 子命令, 列出编译进来的插件、协议和脚本
func NewListCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "list <plugins|protocols|scripts>",
		Short:     "List the built-in plugin kinds, controller protocols or scripts",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"plugins", "protocols", "scripts"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return list(cmd.OutOrStdout(), args[0])
		},
	}
}

func list(out io.Writer, what string) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	switch what {
	case "plugins":
		fmt.Fprintln(w, "PLUGIN\tDEVICE TYPE\tSENSOR TYPE")
		for _, t := range plugin.Kinds() {
			fmt.Fprintf(w, "%s\t%s\t%s\n", t.Name, t.DeviceType, t.SensorType)
		}
	case "protocols":
		for _, name := range protocol.Names() {
			fmt.Fprintln(w, name)
		}
	case "scripts":
		fmt.Fprintln(w, "SCRIPT\tDELAY")
		for _, t := range script.Templates() {
			fmt.Fprintf(w, "%s\t%d\n", t.Name, t.Delay)
		}
	default:
		return fmt.Errorf("unknown list target %q", what)
	}
	return w.Flush()
}

// Execute 供非交互模式使用
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
