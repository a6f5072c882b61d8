package cli

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

type ledgerStatus struct {
	Connected    bool    `json:"connected"`
	ChainID      string  `json:"chain_id,omitempty"`
	LatestBlock  uint64  `json:"latest_block,omitempty"`
	GasPriceGwei string  `json:"gas_price_gwei,omitempty"`
	Contract     string  `json:"contract,omitempty"`
	Sender       string  `json:"sender,omitempty"`
	VotingActive *bool   `json:"voting_active,omitempty"`
	TotalVotes   *uint64 `json:"total_votes,omitempty"`
}

// NewLedgerCommand creates the ledger command group.
func NewLedgerCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the ledger endpoint and contract",
	}

	cmd.AddCommand(newLedgerStatusCommand(opts))

	return cmd
}

func newLedgerStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show network and contract status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			defer logger.Sync()

			app, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			client := app.Ledger()

			info, err := client.NetworkInfo(ctx)
			if err != nil {
				return exitError(ExitCommandError, "failed to query ledger", err)
			}

			status := ledgerStatus{
				Connected:    info.Connected,
				LatestBlock:  info.LatestBlock,
				GasPriceGwei: info.GasPriceGwei,
				Contract:     info.Contract,
			}
			if info.ChainID != nil {
				status.ChainID = info.ChainID.String()
			}
			if sender := client.Sender(); sender != (common.Address{}) {
				status.Sender = sender.Hex()
			}
			if info.Connected && info.Contract != "" {
				if active, err := client.IsVotingActive(ctx); err == nil {
					status.VotingActive = &active
				}
				if total, err := client.TotalVotes(ctx); err == nil {
					status.TotalVotes = &total
				}
			}

			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), status)
			}
			return renderLedgerStatus(cmd, status)
		},
	}
}

func renderLedgerStatus(cmd *cobra.Command, s ledgerStatus) error {
	out := cmd.OutOrStdout()
	if !s.Connected {
		_, err := fmt.Fprintln(out, "ledger: disconnected")
		return err
	}

	fmt.Fprintf(out, "ledger: connected (chain %s, block %d, gas %s gwei)\n", s.ChainID, s.LatestBlock, s.GasPriceGwei)
	if s.Contract != "" {
		fmt.Fprintf(out, "contract: %s\n", s.Contract)
	}
	if s.Sender != "" {
		fmt.Fprintf(out, "sender: %s\n", s.Sender)
	}
	if s.VotingActive != nil {
		fmt.Fprintf(out, "voting active: %t\n", *s.VotingActive)
	}
	if s.TotalVotes != nil {
		fmt.Fprintf(out, "total votes: %d\n", *s.TotalVotes)
	}
	return nil
}
