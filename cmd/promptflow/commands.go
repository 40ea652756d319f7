package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/promptflow"
	"github.com/petrijr/promptflow/internal/xjson"
	"github.com/petrijr/promptflow/pkg/api"
	"github.com/petrijr/promptflow/pkg/capability/openai"
	"github.com/petrijr/promptflow/pkg/config"
)

type rootFlags struct {
	configPath string
	flowsPath  string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "promptflow",
		Short: "Validate and run AI prompt workflows defined in HCL",
		Long: `promptflow loads flow definitions from HCL files, validates their
graphs and runs them against the storage and model settings of a YAML
config file.`,
		SilenceUsage: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVarP(&flags.flowsPath, "flows", "f", "flows", "HCL flow file or directory")

	root.AddCommand(newValidateCmd(flags), newRunCmd(flags))
	return root
}

func (f *rootFlags) loadConfig() (config.Config, error) {
	if f.configPath == "" {
		cfg := config.Defaults()
		return cfg, cfg.Validate()
	}
	return config.Load(f.configPath)
}

func (f *rootFlags) loadFlows(ctx context.Context) ([]api.FlowDefinition, error) {
	st, err := os.Stat(f.flowsPath)
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		return promptflow.LoadFlowDir(ctx, f.flowsPath)
	}
	return promptflow.LoadFlows(ctx, f.flowsPath)
}

func newValidateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate every flow in --flows and print the findings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := flags.loadFlows(cmd.Context())
			if err != nil {
				return err
			}
			invalid := 0
			for _, def := range defs {
				res := promptflow.Validate(def)
				fmt.Fprintf(cmd.OutOrStdout(), "%s@%s: %s\n", def.Name, def.Version, res.Status)
				for _, m := range res.Messages {
					fmt.Fprintf(cmd.OutOrStdout(), "  %-7s %s: %s\n", m.Severity, m.Code, m.Message)
				}
				if !res.OK() {
					invalid++
				}
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d flows are invalid", invalid, len(defs))
			}
			return nil
		},
	}
}

type runFlags struct {
	input   string
	key     string
	version string
	timeout time.Duration
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	rf := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [flow]",
		Short: "Run a flow once and print the execution as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			logger := cfg.Log.Logger(cmd.ErrOrStderr())

			ctx := cmd.Context()
			if rf.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, rf.timeout)
				defer cancel()
			}

			var input map[string]any
			if rf.input != "" {
				if err := xjson.Unmarshal([]byte(rf.input), &input); err != nil {
					return fmt.Errorf("--input: %w", err)
				}
			}

			eng, closeFn, err := promptflow.OpenEngine(ctx, cfg, promptflow.Options{
				Invoker:  invokerFromEnv(logger),
				Logger:   logger,
				Observer: promptflow.NewLoggingObserver(logger),
			})
			if err != nil {
				return err
			}
			defer func() {
				if cerr := closeFn(); cerr != nil {
					logger.Warn("engine_close_failed", slog.Any("error", cerr))
				}
			}()

			defs, err := flags.loadFlows(ctx)
			if err != nil {
				return err
			}
			for _, def := range defs {
				if _, err := eng.RegisterFlow(def); err != nil {
					return err
				}
			}

			res, err := eng.Run(ctx, args[0], input, api.StartOptions{AssignmentKey: rf.key, Version: rf.version})
			if err != nil {
				return err
			}
			out, err := xjson.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))

			if res.Execution.Status != api.FlowCompleted {
				return errors.New("run finished " + string(res.Execution.Status))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&rf.input, "input", "i", "", "flow input as a JSON object")
	cmd.Flags().StringVar(&rf.key, "assignment-key", "", "user or session key for variant assignment")
	cmd.Flags().StringVar(&rf.version, "version", "", "flow version to run (default latest)")
	cmd.Flags().DurationVar(&rf.timeout, "timeout", 0, "overall deadline for the run")
	return cmd
}

// invokerFromEnv returns an OpenAI invoker when OPENAI_API_KEY is set. Flows
// without prompt nodes run without one.
func invokerFromEnv(logger *slog.Logger) promptflow.Invoker {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return nil
	}
	return openai.NewWithKey(key, os.Getenv("OPENAI_BASE_URL"), openai.Options{Logger: logger})
}
