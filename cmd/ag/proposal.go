package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"actiongate/internal/domain"
	"actiongate/internal/engine"
)

func proposalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "proposal", Aliases: []string{"p"}, Short: "Create, decide and execute proposals"}
	cmd.AddCommand(proposalCreateCmd())
	cmd.AddCommand(proposalListCmd())
	cmd.AddCommand(proposalShowCmd())
	cmd.AddCommand(proposalDecideCmd())
	cmd.AddCommand(proposalExecuteCmd())
	cmd.AddCommand(proposalEventsCmd())
	return cmd
}

func proposalCreateCmd() *cobra.Command {
	var in engine.CreateInput
	var payload string
	var approvalRequired bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a proposal",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			in.OrganizationID = tenant
			if in.Payload, err = readPayload(payload); err != nil {
				return err
			}
			if cmd.Flags().Changed("approval-required") {
				in.ApprovalRequired = &approvalRequired
			}
			in.Principal = operator()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProposal(ctx, in)
				if err != nil {
					return err
				}
				return printProposal(p)
			})
		},
	}
	cmd.Flags().StringVar(&in.ActionType, "action", "", "action type (publish_content, send_leads_ghl, publish_ads, optimize_ads)")
	cmd.Flags().StringVar(&in.AgentID, "agent", "", "proposing agent id")
	cmd.Flags().StringVar(&in.DashboardID, "dashboard", "", "dashboard id")
	cmd.Flags().StringVar(&in.Summary, "summary", "", "human readable summary")
	cmd.Flags().StringVar(&payload, "payload", "", "payload JSON or @file")
	cmd.Flags().StringVar(&in.Priority, "priority", "", "P1, P2 or P3")
	cmd.Flags().StringVar(&in.RiskLevel, "risk", "", "low, medium or high")
	cmd.Flags().StringVar(&in.ExpectedImpact, "impact", "", "low, medium or high")
	cmd.Flags().BoolVar(&approvalRequired, "approval-required", false, "override the policy's approval requirement")
	_ = cmd.MarkFlagRequired("action")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("dashboard")
	_ = cmd.MarkFlagRequired("summary")
	return cmd
}

func proposalListCmd() *cobra.Command {
	var in engine.ListInput
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			in.OrganizationID = tenant
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ListProposals(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Action", "Status", "Risk", "Approval", "Agent", "Created"})
				for _, p := range res.Items {
					approval := "required"
					if !p.ApprovalRequired {
						approval = "optional"
					}
					tw.AppendRow(table.Row{p.ID, p.ActionType, p.Status, p.RiskLevel, approval, p.AgentID, p.CreatedAt})
				}
				tw.Render()
				if res.NextCursor != "" {
					fmt.Printf("next: --cursor %s\n", res.NextCursor)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.Status, "status", "", "status filter (all, proposed, approved, rejected, executed, failed)")
	cmd.Flags().StringVar(&in.ActionType, "action", "", "action type filter")
	cmd.Flags().IntVar(&in.Limit, "limit", 50, "page size")
	cmd.Flags().StringVar(&in.Cursor, "cursor", "", "page cursor")
	return cmd
}

func proposalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetProposal(ctx, args[0])
				if err != nil {
					return err
				}
				return printProposal(p)
			})
		},
	}
}

func proposalDecideCmd() *cobra.Command {
	var decision, note, payload string
	var executeOnApprove bool
	cmd := &cobra.Command{
		Use:   "decide <id>",
		Short: "Approve or reject a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			edited, err := readPayload(payload)
			if err != nil {
				return err
			}
			var execFlag *bool
			if cmd.Flags().Changed("execute-on-approve") {
				execFlag = &executeOnApprove
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.DecideAndDispatch(ctx, engine.DecideInput{
					ProposalID: args[0],
					Decision:   decision,
					Principal:  operator(),
					Note:       note,
					Payload:    edited,
				}, execFlag)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				if err := printProposal(report.Proposal); err != nil {
					return err
				}
				if a := report.AutoExecution; a != nil {
					if a.OK {
						fmt.Printf("auto-execution: ok %s\n", string(a.Result))
					} else {
						fmt.Printf("auto-execution: failed: %s\n", a.Error)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approved or rejected")
	cmd.Flags().StringVar(&note, "note", "", "decision note")
	cmd.Flags().StringVar(&payload, "payload", "", "edited payload JSON or @file (approve only)")
	cmd.Flags().BoolVar(&executeOnApprove, "execute-on-approve", true, "execute allow-listed actions right after approval")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func proposalExecuteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute <id>",
		Short: "Execute an approved or failed proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Execute(ctx, engine.ExecuteInput{ProposalID: args[0], Principal: operator(), Origin: engine.OriginManual})
				var failed engine.ExecutionFailedError
				if errors.As(err, &failed) {
					_ = printProposal(report.Proposal)
					return err
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("executed %s (attempt %d): %s\n", report.Proposal.ID, report.Attempt, string(report.Result))
				return nil
			})
		},
	}
}

func proposalEventsCmd() *cobra.Command {
	var in engine.EventsInput
	cmd := &cobra.Command{
		Use:   "events [id]",
		Short: "List lifecycle events, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				in.ProposalID = args[0]
			} else {
				tenant, err := requireTenant()
				if err != nil {
					return err
				}
				in.TenantID = tenant
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEvents(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Proposal", "Actor", "Payload"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityID, evt.Actor, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.Type, "type", "", "event type filter")
	cmd.Flags().IntVar(&in.Limit, "n", 20, "number of events")
	cmd.Flags().Int64Var(&in.BeforeID, "before", 0, "only events older than this id")
	return cmd
}

func printProposal(p domain.Proposal) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", p.ID},
		{"Tenant", p.OrganizationID},
		{"Action", p.ActionType},
		{"Status", p.Status},
		{"Summary", p.Summary},
		{"Risk / Impact / Priority", fmt.Sprintf("%s / %s / %s", p.RiskLevel, p.ExpectedImpact, p.Priority)},
		{"Policy auto-approved", p.PolicyAutoApproved},
		{"Approval required", p.ApprovalRequired},
		{"Decided by", deref(p.DecidedBy)},
		{"Attempts", p.ExecutionAttempts},
		{"Execution error", deref(p.ExecutionError)},
		{"Payload", string(p.Payload)},
	})
	tw.Render()
	return nil
}
