package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/finrouter/commbus"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/runtime"
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Run one chat turn locally",
		Long: `Runs a single chat turn against the configured store and LLM without
starting a server, and prints the reply.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			userID, _ := cmd.Flags().GetString("user")
			asJSON, _ := cmd.Flags().GetBool("json")
			showTrace, _ := cmd.Flags().GetBool("trace")
			statementPath, _ := cmd.Flags().GetString("statement")

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			req := runtime.ChatRequest{
				UserID:    userID,
				Message:   strings.Join(args, " "),
				RequestID: envelope.NewRequestID(),
			}
			if statementPath != "" {
				if req.Statement, err = os.ReadFile(statementPath); err != nil {
					return fmt.Errorf("read statement: %w", err)
				}
			}
			if showTrace {
				stop := runtime.WatchNodes(a.bus, req.RequestID, func(ev runtime.NodeEvent) {
					printNodeEvent(cmd, ev)
				})
				defer stop()
			}

			resp := a.service.Chat(cmd.Context(), req)
			return printReply(cmd, resp, asJSON)
		},
	}
	cmd.Flags().StringP("user", "u", "cli", "user id")
	cmd.Flags().Bool("json", false, "print the full response as JSON")
	cmd.Flags().Bool("trace", false, "print node progress to stderr")
	cmd.Flags().String("statement", "", "CSV statement to analyse in this turn only")
	return cmd
}

func printNodeEvent(cmd *cobra.Command, ev runtime.NodeEvent) {
	out := cmd.ErrOrStderr()
	switch e := ev.Event.(type) {
	case *commbus.NodeStarted:
		fmt.Fprintf(out, "[%d] %s ...\n", e.Order, e.Node)
	case *commbus.NodeCompleted:
		line := fmt.Sprintf("    %s %s (%dms)", e.Node, e.Status, e.DurationMS)
		if e.Error != nil {
			line += ": " + *e.Error
		}
		fmt.Fprintln(out, line)
	}
}

func printReply(cmd *cobra.Command, resp runtime.ChatResponse, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	fmt.Fprintln(out, resp.Response)
	fmt.Fprintf(out, "\n(intent %s, stage %s, confidence %.2f)\n", resp.Intent, resp.Stage, resp.Confidence)
	if resp.ProposedAction != nil {
		fmt.Fprintf(out, "proposed command: %s %v\n", resp.ProposedAction.Action, resp.ProposedAction.Params)
	}
	return nil
}
