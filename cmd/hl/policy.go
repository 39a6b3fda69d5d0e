package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"harvestline/internal/app"
	"harvestline/internal/domain"
	"harvestline/internal/engine"
	"harvestline/internal/repo"
)

func policyCmd() *cobra.Command {
	p := &cobra.Command{Use: "policy", Short: "Manage insurance policies"}
	p.AddCommand(policyCreateCmd())
	p.AddCommand(policyShowCmd())
	p.AddCommand(policyListCmd())
	p.AddCommand(policyTransitionCmd("cancel", "Cancel an active or pending policy", engine.Engine.CancelPolicy))
	p.AddCommand(policyTransitionCmd("retry", "Retry creation of a failed policy", engine.Engine.RetryPolicy))
	p.AddCommand(policyTransitionCmd("archive", "Archive a failed policy", engine.Engine.ArchivePolicy))
	return p
}

func policyCreateCmd() *cobra.Command {
	var (
		holder, coverage, deductible, contractID, key string
		start, end                                    string
		months                                        int
		terms                                         []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a policy and submit it to the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(coverage)
			if err != nil {
				return fmt.Errorf("--coverage: %w", err)
			}
			ded := decimal.Zero
			if deductible != "" {
				if ded, err = decimal.NewFromString(deductible); err != nil {
					return fmt.Errorf("--deductible: %w", err)
				}
			}
			req := engine.CreatePolicyRequest{
				HolderAddress:     holder,
				CoverageAmount:    amount,
				DurationMonths:    months,
				CoverageTerms:     terms,
				DeductiblePercent: ded,
				ContractID:        contractID,
				IdempotencyKey:    key,
			}
			if req.StartDate, err = parseFlagDate("start", start); err != nil {
				return err
			}
			if req.EndDate, err = parseFlagDate("end", end); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req.ActorID = actorID(e.Config)
				p, err := e.CreatePolicy(ctx, req)
				if err != nil {
					return err
				}
				return printPolicy(p)
			})
		},
	}
	cmd.Flags().StringVar(&holder, "holder", "", "holder ledger account")
	cmd.Flags().StringVar(&coverage, "coverage", "", "coverage amount")
	cmd.Flags().IntVar(&months, "months", 0, "coverage duration in months")
	cmd.Flags().StringVar(&start, "start", "", "coverage start (RFC 3339 or YYYY-MM-DD, defaults to now)")
	cmd.Flags().StringVar(&end, "end", "", "coverage end (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().StringSliceVar(&terms, "terms", nil, "covered perils (weather,pest,disease,fire,flood,drought)")
	cmd.Flags().StringVar(&deductible, "deductible", "", "deductible percent")
	cmd.Flags().StringVar(&contractID, "contract", "", "contract id")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "client idempotency key")
	_ = cmd.MarkFlagRequired("holder")
	_ = cmd.MarkFlagRequired("coverage")
	_ = cmd.MarkFlagRequired("terms")
	return cmd
}

func parseFlagDate(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("--%s: expected RFC 3339 or YYYY-MM-DD, got %q", name, raw)
}

func policyShowCmd() *cobra.Command {
	var onLedger bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetPolicy(ctx, args[0])
				if err != nil {
					return err
				}
				if !onLedger {
					return printPolicy(p)
				}
				out, err := e.Ledger.QueryByToken(ctx, p.CreateToken())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"policy": p, "ledger": out})
				}
				if err := printPolicy(p); err != nil {
					return err
				}
				tw := newTable("Ledger token", "Status", "Tx hash", "Reason")
				tw.AppendRow(table.Row{p.CreateToken(), out.Status, out.TxHash, out.Reason})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&onLedger, "ledger", false, "also query the ledger for the create submission")
	return cmd
}

func printPolicy(p domain.Policy) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	tw := newTable("Field", "Value")
	tw.AppendRows([]table.Row{
		{"ID", p.ID},
		{"State", p.State},
		{"Holder", p.HolderAddress},
		{"Issuer", p.Issuer},
		{"Coverage", p.CoverageAmount.StringFixed(2)},
		{"Premium", p.Premium.StringFixed(2)},
		{"Deductible %", p.DeductiblePercent.String()},
		{"Period", p.StartDate.Format(time.DateOnly) + " .. " + p.EndDate.Format(time.DateOnly)},
		{"Terms", p.CoverageTerms},
	})
	if p.LedgerCreateTxHash != "" {
		tw.AppendRow(table.Row{"Create tx", p.LedgerCreateTxHash})
	}
	if p.PendingTxRef != "" {
		tw.AppendRow(table.Row{"Pending submission", p.PendingTxRef})
	}
	if p.FailureReason != "" {
		tw.AppendRow(table.Row{"Failure", p.FailureReason})
	}
	if p.Payout != nil {
		tw.AppendRow(table.Row{"Payout", p.Payout.Amount.StringFixed(2) + " (" + p.Payout.EventType + ", tx " + p.Payout.TxHash + ")"})
	}
	tw.Render()
	return nil
}

func policyListCmd() *cobra.Command {
	var f repo.PolicyFilter
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.State = domain.PolicyState(state)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				policies, err := e.ListPolicies(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(policies)
				}
				tw := newTable("ID", "Holder", "State", "Coverage", "Premium", "Ends", "Pending")
				for _, p := range policies {
					tw.AppendRow(table.Row{p.ID, p.HolderAddress, p.State, p.CoverageAmount.StringFixed(2), p.Premium.StringFixed(2), p.EndDate.Format(time.DateOnly), p.PendingTxRef})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().StringVar(&f.Holder, "holder", "", "holder filter")
	cmd.Flags().StringVar(&f.ContractID, "contract", "", "contract filter")
	cmd.Flags().BoolVar(&f.IncludeArchived, "archived", false, "include archived policies")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

type transitionFunc func(engine.Engine, context.Context, string, string) (domain.Policy, error)

func policyTransitionCmd(use, short string, run transitionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := run(e, ctx, args[0], actorID(e.Config))
				if err != nil {
					return err
				}
				return printPolicy(p)
			})
		},
	}
}

func payoutCmd() *cobra.Command {
	p := &cobra.Command{Use: "payout", Short: "Trigger payouts from oracle attestations"}
	p.AddCommand(payoutTriggerCmd())
	return p
}

func payoutTriggerCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Verify a signed attestation and pay out its policy",
		Long:  "Reads the attestation JSON produced by 'hl oracle sign' from --file or stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			att, err := readAttestation(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.VerifyAndTrigger(ctx, att)
				if err != nil && res.Status != domain.PayoutProcessing {
					return err
				}
				if err != nil {
					fmt.Fprintf(os.Stderr, "warning: submission unresolved, left for reconciliation: %v\n", err)
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "attestation JSON file, - for stdin")
	return cmd
}

func readAttestation(file string) (domain.OracleAttestation, error) {
	var att domain.OracleAttestation
	var r io.Reader = os.Stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return att, err
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(&att); err != nil {
		return att, fmt.Errorf("decode attestation: %w", err)
	}
	return att, nil
}

func contractCmd() *cobra.Command {
	c := &cobra.Command{Use: "contract", Short: "Manage insurance contracts"}
	c.AddCommand(contractDeployCmd())
	c.AddCommand(contractListCmd())
	return c
}

func contractDeployCmd() *cobra.Command {
	var rate, maxPayout, issuer string
	var terms []string
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy an insurance contract to the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := decimal.NewFromString(rate)
			if err != nil {
				return fmt.Errorf("--premium-rate: %w", err)
			}
			m, err := decimal.NewFromString(maxPayout)
			if err != nil {
				return fmt.Errorf("--max-payout: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.DeployContract(ctx, engine.DeployContractRequest{
					Issuer:      issuer,
					Terms:       terms,
					PremiumRate: r,
					MaxPayout:   m,
					ActorID:     actorID(e.Config),
				})
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	cmd.Flags().StringVar(&issuer, "issuer", "", "issuer account (defaults to config)")
	cmd.Flags().StringSliceVar(&terms, "terms", nil, "perils the contract covers")
	cmd.Flags().StringVar(&rate, "premium-rate", "0.05", "premium rate in (0,1)")
	cmd.Flags().StringVar(&maxPayout, "max-payout", "", "maximum payout per policy")
	_ = cmd.MarkFlagRequired("terms")
	_ = cmd.MarkFlagRequired("max-payout")
	return cmd
}

func contractListCmd() *cobra.Command {
	var issuer string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				contracts, err := e.ListContracts(ctx, issuer)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(contracts)
				}
				tw := newTable("ID", "Issuer", "Status", "Terms", "Rate", "Max payout")
				for _, c := range contracts {
					tw.AppendRow(table.Row{c.ID, c.Issuer, c.Status, c.Terms, c.PremiumRate.String(), c.MaxPayout.StringFixed(2)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&issuer, "issuer", "", "issuer filter")
	return cmd
}

func sweepCmd() *cobra.Command {
	s := &cobra.Command{Use: "sweep", Short: "Run lifecycle sweeps once"}
	var at string
	expire := &cobra.Command{
		Use:   "expire",
		Short: "Expire active policies past their end date",
		RunE: func(cmd *cobra.Command, args []string) error {
			now, err := parseFlagDate("at", at)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Auth.RequireIssuer("run expire sweep", actorID(a.Config), a.Config.Issuer.Account); err != nil {
					return err
				}
				res, err := a.Engine.ExpireSweep(ctx, now)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	expire.Flags().StringVar(&at, "at", "", "treat this instant as now")
	reconcile := &cobra.Command{
		Use:   "reconcile",
		Short: "Resolve ledger submissions with unknown outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Auth.RequireIssuer("run reconcile sweep", actorID(a.Config), a.Config.Issuer.Account); err != nil {
					return err
				}
				res, err := a.Engine.ReconcileSweep(ctx)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	s.AddCommand(expire, reconcile)
	return s
}
