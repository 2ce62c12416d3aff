package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/spf13/cobra"

	"x402facilitator/internal/audit"
	"x402facilitator/internal/config"
	"x402facilitator/internal/kmssigner"
	"x402facilitator/internal/ledger"
	"x402facilitator/internal/money"
	"x402facilitator/internal/registry"
	"x402facilitator/internal/splitter"
	"x402facilitator/internal/store"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "facilitatorctl",
		Short:   "Operator CLI for the x402 facilitator",
		Version: version,
	}

	rootCmd.AddCommand(tokensCmd(), settlementsCmd(), statsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func tokensCmd() *cobra.Command {
	var tokensFile string

	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Inspect and edit the curated token registry",
	}
	cmd.PersistentFlags().StringVar(&tokensFile, "file", "tokens.yaml", "path to the token-seed YAML file")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List every curated token",
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := registry.LoadFile(tokensFile)
			if err != nil {
				return err
			}
			for _, t := range tokens {
				exempt := ""
				if t.FeeExempt {
					exempt = " fee-exempt"
				}
				fmt.Printf("%-14s %-8s %-44s feeBps=%d%s\n", t.Network, t.Symbol, t.Address, t.FeeBps, exempt)
			}
			return nil
		},
	}

	var (
		network, address, symbol, name, tokenVersion string
		decimals                                     int
		feeBps, discountBps                          int
		feeExempt                                    bool
	)
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add or replace a curated token entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := registry.LoadFile(tokensFile)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			reg := registry.New()
			for _, t := range tokens {
				reg.Put(t)
			}
			reg.Put(registry.Token{
				Address: address, Symbol: symbol, Name: name, Version: tokenVersion,
				Decimals: decimals, Network: network,
				FeeBps: money.BasisPoints(feeBps), FeeExempt: feeExempt, DiscountBps: money.BasisPoints(discountBps),
			})
			if err := registry.WriteFile(tokensFile, reg.All()); err != nil {
				return err
			}
			fmt.Printf("added %s (%s) on %s\n", symbol, address, network)
			return nil
		},
	}
	addCmd.Flags().StringVar(&network, "network", "", "CAIP-2 network id, e.g. eip155:8453")
	addCmd.Flags().StringVar(&address, "address", "", "token contract address")
	addCmd.Flags().StringVar(&symbol, "symbol", "", "token symbol")
	addCmd.Flags().StringVar(&name, "name", "", "EIP-712 domain name")
	addCmd.Flags().StringVar(&tokenVersion, "version", "2", "EIP-712 domain version")
	addCmd.Flags().IntVar(&decimals, "decimals", 6, "token decimals")
	addCmd.Flags().IntVar(&feeBps, "fee-bps", 0, "facilitator fee in basis points")
	addCmd.Flags().IntVar(&discountBps, "discount-bps", 0, "per-token discount in basis points")
	addCmd.Flags().BoolVar(&feeExempt, "fee-exempt", false, "exempt this token from the facilitator fee")
	for _, f := range []string{"network", "address", "symbol"} {
		addCmd.MarkFlagRequired(f)
	}

	cmd.AddCommand(listCmd, addCmd)
	return cmd
}

func settlementsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settlements",
		Short: "Inspect and recover settlement records",
	}
	cmd.AddCommand(recoverCmd())
	return cmd
}

func recoverCmd() *cobra.Command {
	var (
		rpcURL, splitterContract, privateKeyHex, recipient, token string
		chainIDStr                                                string
	)
	cmd := &cobra.Command{
		Use:   "recover <transaction-id>",
		Short: "Re-drive a stuck splitPayment call for a failed settlement",
		Long: `Recovers the splitter-stuck-funds case: an authorization-spend
landed on-chain but the subsequent splitPayment call failed, leaving funds
in the splitter contract. This replays only the splitPayment call — it
never re-spends the user's authorization.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			id := args[0]

			cfg := config.Load()
			db, err := store.New(ctx, &store.Config{
				Host: cfg.Database.Host, Port: cfg.Database.Port, User: cfg.Database.User,
				Password: cfg.Database.Password, Name: cfg.Database.Name,
				SSLMode: cfg.Database.SSLMode, MaxConns: cfg.Database.MaxConns,
			})
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer db.Close()

			auditLog := audit.New(db)
			txn, err := auditLog.Get(ctx, id)
			if err != nil {
				return fmt.Errorf("load transaction %s: %w", id, err)
			}
			if txn.Status != audit.StatusFailed {
				return fmt.Errorf("transaction %s is %s, not failed; nothing to recover", id, txn.Status)
			}
			if txn.LedgerTxID == nil {
				return fmt.Errorf("transaction %s has no recorded authorization-spend tx id, cannot recover", id)
			}

			chainID, ok := new(big.Int).SetString(chainIDStr, 10)
			if !ok {
				return fmt.Errorf("invalid --chain-id %q", chainIDStr)
			}
			signer, err := kmssigner.NewLocal(privateKeyHex)
			if err != nil {
				return fmt.Errorf("load facilitator key: %w", err)
			}
			chain, err := ledger.Dial(ctx, rpcURL, chainID)
			if err != nil {
				return fmt.Errorf("dial chain: %w", err)
			}
			defer chain.Close()

			split := splitter.New(chain, signer, chainID, splitterContract)
			if !split.Enabled() {
				return fmt.Errorf("no splitter contract configured for this chain")
			}

			recoverCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			defer cancel()
			receipt, err := split.Split(recoverCtx, token, txn.Payer, recipient, txn.Amount.BigInt())
			if err != nil {
				return fmt.Errorf("splitPayment call failed again: %w", err)
			}

			if err := auditLog.MarkSuccess(ctx, id, receipt.TxHash.Hex()); err != nil {
				return fmt.Errorf("mark transaction recovered: %w", err)
			}
			fmt.Printf("recovered %s: splitPayment tx %s\n", id, receipt.TxHash.Hex())
			return nil
		},
	}
	cmd.Flags().StringVar(&rpcURL, "rpc-url", "", "chain RPC URL")
	cmd.Flags().StringVar(&chainIDStr, "chain-id", "", "numeric chain id")
	cmd.Flags().StringVar(&splitterContract, "splitter-contract", "", "splitter contract address")
	cmd.Flags().StringVar(&privateKeyHex, "private-key", "", "facilitator private key, 0x-prefixed hex")
	cmd.Flags().StringVar(&recipient, "recipient", "", "final recipient address (the resource server's payTo)")
	cmd.Flags().StringVar(&token, "token", "", "token contract address")
	for _, f := range []string{"rpc-url", "chain-id", "splitter-contract", "private-key", "recipient", "token"} {
		cmd.MarkFlagRequired(f)
	}
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print per-network settlement counts and fee totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg := config.Load()
			db, err := store.New(ctx, &store.Config{
				Host: cfg.Database.Host, Port: cfg.Database.Port, User: cfg.Database.User,
				Password: cfg.Database.Password, Name: cfg.Database.Name,
				SSLMode: cfg.Database.SSLMode, MaxConns: cfg.Database.MaxConns,
			})
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer db.Close()

			_, stats, _, err := audit.New(db).Stats(ctx)
			if err != nil {
				return err
			}
			for _, s := range stats {
				fmt.Printf("%-14s pending=%-4d success=%-4d failed=%-4d fees=%s\n",
					s.Network, s.PendingCount, s.SuccessCount, s.FailedCount, s.TotalFees.String())
			}
			return nil
		},
	}
}
