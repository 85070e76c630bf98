package main

import (
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"cryptoRiskGuard/config"
	"cryptoRiskGuard/internal/adapters/logger"
	"cryptoRiskGuard/internal/adapters/sqlite"
	"cryptoRiskGuard/internal/domain"
	"cryptoRiskGuard/internal/policy"
	"cryptoRiskGuard/internal/risk"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Errorf("Error: %v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "riskctl",
		Short:         "Operator tooling for the risk guard",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newPolicyCmd(), newEventsCmd())
	return root
}

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect a risk policy file",
	}
	cmd.PersistentFlags().String("file", "", "policy YAML file (built-in policy when empty)")
	cmd.AddCommand(newValidateCmd(), newResolveCmd(), newSizeCmd())
	return cmd
}

// loadStore reads --file, or the built-in policy, into a validated store.
func loadStore(cmd *cobra.Command) (*policy.Store, error) {
	path, err := cmd.Flags().GetString("file")
	if err != nil {
		return nil, err
	}
	table := config.DefaultPolicyFile()
	if path != "" {
		if table, err = config.LoadPolicyFile(path); err != nil {
			return nil, err
		}
	}
	return policy.New(table)
}

func moneyFlag(cmd *cobra.Command, name string) (domain.Money, error) {
	s, err := cmd.Flags().GetString(name)
	if err != nil {
		return domain.Zero, err
	}
	v, err := domain.ParseMoney(s)
	if err != nil {
		return domain.Zero, fmt.Errorf("invalid --%s %q: %w", name, s, err)
	}
	return v, nil
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a policy file and list its tiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := loadStore(cmd)
			if err != nil {
				return err
			}
			t := store.Table()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "policy OK: %d tiers, %d symbols, %d drawdown limits\n", len(t.Tiers), len(t.Symbols), len(t.Drawdown))
			table := newTable(out, "tier", "max balance", "leverage", "risk/trade", "max drawdown")
			for _, tier := range t.Tiers {
				maxBalance := "unbounded"
				if tier.MaxBalance != nil {
					maxBalance = tier.MaxBalance.String()
				}
				table.Append([]string{tier.Name, maxBalance, fmt.Sprintf("%dx", tier.MaxLeverage), tier.RiskPercentage.String(), tier.MaxDrawdown.String()})
			}
			table.Render()
			return nil
		},
	}
}

func newResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Show the policy in force for a balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := loadStore(cmd)
			if err != nil {
				return err
			}
			balance, err := moneyFlag(cmd, "balance")
			if err != nil {
				return err
			}
			printPolicy(cmd.OutOrStdout(), balance, store.ResolvePolicy(balance))
			return nil
		},
	}
	cmd.Flags().String("balance", "", "account balance")
	_ = cmd.MarkFlagRequired("balance")
	return cmd
}

func printPolicy(out io.Writer, balance domain.Money, p domain.RiskPolicy) {
	table := newTable(out)
	table.AppendBulk([][]string{
		{"balance", balance.String()},
		{"tier", p.Tier},
		{"max leverage", fmt.Sprintf("%dx", p.MaxLeverage)},
		{"risk per trade", p.RiskPercentagePerTrade.String()},
		{"max drawdown", p.MaxDrawdown.String()},
		{"max position size", p.MaxPositionSizePercentage.String()},
		{"max positions", fmt.Sprintf("%d (%d per symbol)", p.MaxPositions, p.MaxPositionsPerSymbol)},
		{"margin thresholds", fmt.Sprintf("warning %s, critical %s, liquidation %s", p.Thresholds.Warning, p.Thresholds.Critical, p.Thresholds.Liquidation)},
	})
	table.Render()
}

// newTable returns a borderless table; no header is drawn when none is given.
func newTable(out io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetHeaderLine(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	if len(header) > 0 {
		table.SetHeader(header)
	}
	return table
}

func newSizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "size",
		Short: "Suggest an entry quantity for a balance, price and stop distance",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := loadStore(cmd)
			if err != nil {
				return err
			}
			balance, err := moneyFlag(cmd, "balance")
			if err != nil {
				return err
			}
			price, err := moneyFlag(cmd, "price")
			if err != nil {
				return err
			}
			stop, err := moneyFlag(cmd, "stop")
			if err != nil {
				return err
			}
			symbol, _ := cmd.Flags().GetString("symbol")
			leverage, _ := cmd.Flags().GetInt("leverage")

			p := store.ResolvePolicy(balance)
			sizing := risk.SizingConfig{
				RiskPerTrade:       p.RiskPercentagePerTrade,
				StopLossPercent:    stop,
				MaxPositionPercent: p.MaxPositionSizePercentage,
				MaxLeverage:        p.MaxLeverage,
			}
			step := domain.Zero
			if lim, ok := store.SymbolLimits(symbol); ok {
				step = lim.StepSize
				if lim.MaxLeverage > 0 && lim.MaxLeverage < sizing.MaxLeverage {
					sizing.MaxLeverage = lim.MaxLeverage
				}
			}
			qty, err := risk.PositionQuantity(sizing, balance, price, leverage, step)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (tier %s, notional %s)\n", qty, symbol, p.Tier, domain.Notional(price, qty))
			return nil
		},
	}
	cmd.Flags().String("balance", "", "account balance")
	cmd.Flags().String("price", "", "entry price")
	cmd.Flags().String("stop", "0.02", "stop-loss distance as a fraction of the entry")
	cmd.Flags().String("symbol", "BTCUSDT", "symbol")
	cmd.Flags().Int("leverage", 1, "leverage")
	_ = cmd.MarkFlagRequired("balance")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List the latest position events of an account from the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath, _ := cmd.Flags().GetString("db")
			accountID, _ := cmd.Flags().GetString("account")
			limit, _ := cmd.Flags().GetInt("limit")

			repo, err := sqlite.NewRepository(sqlite.Config{
				DBPath: dbPath,
				Logger: logger.NewLogrusLoggerTo(cmd.ErrOrStderr(), log.WarnLevel, "text"),
			})
			if err != nil {
				return err
			}
			defer repo.Close()

			events, err := repo.FindPositionEvents(cmd.Context(), accountID, limit)
			if err != nil {
				return err
			}
			table := newTable(cmd.OutOrStdout(), "time", "event", "position", "symbol", "side", "size", "mark", "realized")
			for _, e := range events {
				table.Append([]string{
					e.Timestamp.UTC().Format("2006-01-02 15:04:05"), string(e.Type), e.Position.ID, e.Position.Symbol,
					string(e.Position.Side), e.Position.Size.String(), e.Position.MarkPrice.String(), e.Realized.String(),
				})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().String("db", "data/risk.db", "sqlite database path")
	cmd.Flags().String("account", "main", "account id")
	cmd.Flags().Int("limit", 20, "number of events")
	return cmd
}
