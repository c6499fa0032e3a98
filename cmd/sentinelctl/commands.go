package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"cronos-sentinel/sdk/go/sentinel"
)

func newAgentsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := opts.client().ListAgents(cmd.Context())
			if err != nil {
				return err
			}
			return opts.render(cmd, list, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tAI")
				for _, a := range list.Agents {
					fmt.Fprintf(tw, "%s\t%s\t%t\n", a.ID, a.Name, a.AICapable)
				}
				_ = tw.Flush()
				fmt.Fprintf(w, "ai enabled: %t\n", list.AIEnabled)
			})
		},
	}
}

func newRunCmd(opts *globalOptions) *cobra.Command {
	var req sentinel.RunRequest
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a paid settlement for a job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := opts.client().RunSettlement(cmd.Context(), req)
			if err != nil {
				return err
			}
			return opts.render(cmd, res, func(w io.Writer) {
				fmt.Fprintf(w, "job %s settled by %s in %s\n", res.JobID, res.AgentID, res.TxRef)
				printDecision(w, res.Decision)
				fmt.Fprintf(w, "pipeline: %s\n", strings.Join(res.Pipeline, " -> "))
			})
		},
	}
	cmd.Flags().StringVar(&req.JobID, "job", "", "job id")
	cmd.Flags().StringVar(&req.User, "user", "", "vault user address")
	cmd.Flags().StringVar(&req.AgentID, "agent", "settlement-batch-optimizer", "agent id")
	cmd.Flags().StringVar(&req.RequestedAmountWei, "amount", "", "requested amount in wei")
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newApplyCmd(opts *globalOptions) *cobra.Command {
	var req sentinel.ApplyRequest
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply an agent and write its recommended limit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := opts.client().ApplyAgent(cmd.Context(), req)
			if err != nil {
				return err
			}
			return opts.render(cmd, res, func(w io.Writer) {
				fmt.Fprintf(w, "balance %s wei, previous limit %s wei\n", res.State.BalanceWei, res.State.PreviousRecommendedWei)
				printDecision(w, res.Decision)
				fmt.Fprintf(w, "tx: %s\n", res.TxRef)
			})
		},
	}
	cmd.Flags().StringVar(&req.AgentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&req.User, "user", "", "vault user address")
	cmd.Flags().StringVar(&req.JobID, "job", "", "optional job id")
	cmd.Flags().StringVar(&req.RequestedAmountWei, "amount", "", "requested amount in wei")
	cmd.Flags().StringVar(&req.RiskTrigger, "risk", "", "risk trigger: NONE, VOLATILITY_SPIKE or ANOMALY")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newPayCmd(opts *globalOptions) *cobra.Command {
	var req sentinel.PayRequest
	cmd := &cobra.Command{
		Use:   "pay",
		Short: "Record the settlement payment for a job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := opts.client().RecordPayment(cmd.Context(), req)
			if err != nil {
				return err
			}
			return opts.render(cmd, res, func(w io.Writer) {
				fmt.Fprintf(w, "job %s %s in %s (block %d)\n", res.JobID, res.State, res.TxRef, res.BlockNumber)
			})
		},
	}
	cmd.Flags().StringVar(&req.JobID, "job", "", "job id")
	cmd.Flags().StringVar(&req.Payer, "payer", "", "payer address")
	cmd.Flags().StringVar(&req.AmountWei, "amount", "", "amount in wei")
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	var q sentinel.HistoryQuery
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show settlement outcomes and ledger events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			records, err := opts.client().History(cmd.Context(), q)
			if err != nil {
				return err
			}
			return opts.render(cmd, records, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tKIND\tSTATUS\tJOB\tUSER\tAMOUNT\tTX")
				for _, r := range records {
					amount := r.FinalLimit
					if amount == "" {
						amount = r.Amount
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						time.Unix(r.OccurredAt, 0).UTC().Format(time.RFC3339),
						r.Kind, r.Status, r.JobID, r.User, amount, r.TxRef)
				}
				_ = tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&q.User, "user", "", "filter by user address")
	cmd.Flags().StringVar(&q.JobID, "job", "", "filter by job id")
	cmd.Flags().StringVar(&q.Kind, "kind", "", "filter by kind: outcome or ledger_event")
	cmd.Flags().IntVar(&q.Limit, "limit", 20, "maximum number of records")
	cmd.Flags().IntVar(&q.Offset, "offset", 0, "records to skip")
	return cmd
}

func newAICmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ai on|off|reset",
		Short: "Set or clear the runtime AI override",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled *bool
			switch strings.ToLower(args[0]) {
			case "reset", "clear":
			case "on", "off":
				v := strings.EqualFold(args[0], "on")
				enabled = &v
			default:
				v, err := strconv.ParseBool(args[0])
				if err != nil {
					return fmt.Errorf("expected on, off or reset, got %q", args[0])
				}
				enabled = &v
			}
			state, err := opts.client().SetAI(cmd.Context(), enabled)
			if err != nil {
				return err
			}
			return opts.render(cmd, state, func(w io.Writer) {
				override := "none"
				if state.Override != nil {
					override = strconv.FormatBool(*state.Override)
				}
				fmt.Fprintf(w, "ai enabled: %t (override %s, configured %t)\n", state.AIEnabled, override, state.Persisted)
			})
		},
	}
}

func printDecision(w io.Writer, d sentinel.Decision) {
	fmt.Fprintf(w, "proposed %s wei -> final %s wei (confidence %.2f, mode %s)\n",
		d.ProposedLimitWei, d.FinalLimitWei, d.Confidence, d.Mode)
	fmt.Fprintf(w, "reason: %s\n", d.Reason)
	if d.ClampNotes != "" {
		fmt.Fprintf(w, "clamp: %s\n", d.ClampNotes)
	}
}
