package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tcmartin/runstream/pkg/config"
	"github.com/tcmartin/runstream/pkg/loader"
	"github.com/tcmartin/runstream/pkg/redaction"
	"github.com/tcmartin/runstream/pkg/runtime"
	"github.com/tcmartin/runstream/pkg/services"
)

func newValidateCmd() *cobra.Command {
	var graphOnly bool

	cmd := &cobra.Command{
		Use:   "validate [file...]",
		Short: "Check workflow definitions without a server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				if err := validateFile(path, graphOnly); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
					failed++
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files invalid", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&graphOnly, "graph", false, "Files hold a bare graph (nodes and edges) rather than a workflow definition")
	return cmd
}

func validateFile(path string, graphOnly bool) error {
	if !graphOnly {
		_, err := loader.LoadFile(path)
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	graph, err := runtime.ParseGraph(data)
	if err != nil {
		return err
	}
	_, err = runtime.Compile(graph)
	return err
}

func newRedactCmd() *cobra.Command {
	var serverConfig string

	cmd := &cobra.Command{
		Use:   "redact",
		Short: "Redact stdin to stdout using the server's redaction settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(serverConfig)
			if err != nil {
				return err
			}
			patterns, err := cfg.Redaction.LoadVendorPatterns()
			if err != nil {
				return err
			}
			engine := redaction.New(redaction.Config{
				VendorPatternsEnabled: cfg.Redaction.VendorPatternsEnabled,
				VendorPatterns:        patterns,
				PatternTimeout:        cfg.Redaction.PatternTimeout(),
				Budget:                cfg.Redaction.Budget(),
			}, nil)

			input, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			return redactTo(cmd.OutOrStdout(), engine, input)
		},
	}

	cmd.Flags().StringVar(&serverConfig, "server-config", "", "Server config file holding the redaction section")
	return cmd
}

// redactTo writes JSON input back as redacted JSON and any other input as redacted text
func redactTo(w io.Writer, engine *redaction.Engine, input []byte) error {
	var doc interface{}
	if err := json.Unmarshal(input, &doc); err == nil {
		return printJSON(w, engine.Redact(doc))
	}
	text := engine.RedactString(string(input))
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	_, err := io.WriteString(w, text)
	return err
}

func newTokenCmd() *cobra.Command {
	var (
		secret  string
		subject string
		hours   int
	)

	cmd := &cobra.Command{
		Use:   "token [workspace-id]",
		Short: "Mint a workspace token for local use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv(config.EnvPrefix + "JWT_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("--secret or %sJWT_SECRET is required", config.EnvPrefix)
			}
			if subject == "" {
				subject = "runstream-cli"
			}
			signed, err := services.NewJWTService(secret, hours).GenerateToken(args[0], subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "JWT signing secret (defaults to "+config.EnvPrefix+"JWT_SECRET)")
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject")
	cmd.Flags().IntVar(&hours, "hours", 24, "Token lifetime in hours")
	return cmd
}
