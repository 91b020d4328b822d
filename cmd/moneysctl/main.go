package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	moneysv1 "github.com/MarkoPoloResearchLab/moneys/api/moneys/v1"
	"github.com/MarkoPoloResearchLab/moneys/pkg/walletsync"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	flagAddr        = "addr"
	flagInsecure    = "insecure"
	flagToken       = "token"
	flagUserID      = "user"
	flagCallTimeout = "call-timeout"
	flagVerbose     = "verbose"
	flagMetadata    = "meta"
	flagReceipt     = "receipt"
	envPrefix       = "MONEYS"
)

type cliOptions struct {
	addr        string
	insecure    bool
	token       string
	userID      string
	callTimeout time.Duration
	verbose     bool
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "moneysctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	options := &cliOptions{}
	cmd := &cobra.Command{
		Use:           "moneysctl",
		Short:         "Command-line wallet client for the Moneys service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadOptions(cmd, options)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagAddr, "localhost:7000", "moneysd gRPC address")
	flags.Bool(flagInsecure, false, "connect without TLS")
	flags.String(flagToken, "", "bearer token (required)")
	flags.String(flagUserID, "", "user id the token was minted for (required)")
	flags.Duration(flagCallTimeout, 10*time.Second, "per-attempt RPC timeout")
	flags.Bool(flagVerbose, false, "log retries and reconnects")

	cmd.AddCommand(
		newWatchCommand(options),
		newGrantCommand(options),
		newSpendCommand(options),
		newPurchaseCommand(options),
		newPricesCommand(options),
	)
	return cmd
}

func loadOptions(cmd *cobra.Command, options *cliOptions) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	options.addr = strings.TrimSpace(v.GetString(flagAddr))
	options.insecure = v.GetBool(flagInsecure)
	options.token = strings.TrimSpace(v.GetString(flagToken))
	options.userID = strings.TrimSpace(v.GetString(flagUserID))
	options.callTimeout = v.GetDuration(flagCallTimeout)
	options.verbose = v.GetBool(flagVerbose)
	if options.addr == "" {
		return fmt.Errorf("%s is required", flagAddr)
	}
	if options.token == "" {
		return fmt.Errorf("%s is required", flagToken)
	}
	if options.userID == "" {
		return fmt.Errorf("%s is required", flagUserID)
	}
	return nil
}

// session connects, signs the client in and hands it to fn. The connection
// and client are released when fn returns.
func (options *cliOptions) session(ctx context.Context, fn func(client *walletsync.Client) error) error {
	transport := credentials.NewClientTLSFromCert(nil, "")
	if options.insecure {
		transport = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(options.addr, grpc.WithTransportCredentials(transport))
	if err != nil {
		return fmt.Errorf("connect %s: %w", options.addr, err)
	}
	defer conn.Close()

	logger := zap.NewNop()
	if options.verbose {
		logger, err = zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("logger init: %w", err)
		}
		defer func() { _ = logger.Sync() }()
	}
	client, err := walletsync.NewClient(moneysv1.NewMoneysServiceClient(conn), walletsync.Config{
		CallTimeout: options.callTimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.SetSession(ctx, &walletsync.Session{UserID: options.userID, Token: options.token}); err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	return fn(client)
}

func newWatchCommand(options *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print the wallet every time it changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			out := cmd.OutOrStdout()
			return options.session(ctx, func(client *walletsync.Client) error {
				views := make(chan walletsync.View, 16)
				client.OnChange(func(view walletsync.View) {
					select {
					case views <- view:
					default:
					}
				})
				printView(out, client.View())
				for {
					select {
					case <-ctx.Done():
						return nil
					case view := <-views:
						printView(out, view)
					}
				}
			})
		},
	}
}

func newGrantCommand(options *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "grant",
		Short: "Claim the daily free grant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return options.session(cmd.Context(), func(client *walletsync.Client) error {
				return printResult(cmd.OutOrStdout(), client.GrantDaily(cmd.Context()))
			})
		},
	}
}

func newSpendCommand(options *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spend <kind>",
		Short: "Spend moneys on a priced action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			metadataJSON, _ := cmd.Flags().GetString(flagMetadata)
			return options.session(cmd.Context(), func(client *walletsync.Client) error {
				return printResult(cmd.OutOrStdout(), client.Spend(cmd.Context(), args[0], metadataJSON))
			})
		},
	}
	cmd.Flags().String(flagMetadata, "", "JSON object recorded with the entry")
	return cmd
}

func newPurchaseCommand(options *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purchase <amount>",
		Short: "Credit purchased moneys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("amount: %w", err)
			}
			receipt, _ := cmd.Flags().GetString(flagReceipt)
			return options.session(cmd.Context(), func(client *walletsync.Client) error {
				return printResult(cmd.OutOrStdout(), client.Purchase(cmd.Context(), amount, receipt))
			})
		},
	}
	cmd.Flags().String(flagReceipt, "", "store receipt forwarded to purchase verification")
	return cmd
}

func newPricesCommand(options *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prices",
		Short: "List what each spend kind costs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return options.session(cmd.Context(), func(client *walletsync.Client) error {
				prices, err := client.Costs(cmd.Context())
				if err != nil {
					return fmt.Errorf("list prices: %w", err)
				}
				printPrices(cmd.OutOrStdout(), prices)
				return nil
			})
		},
	}
}

func printPrices(out io.Writer, prices []walletsync.Price) {
	for _, price := range prices {
		fmt.Fprintf(out, "%s\t%d\n", price.Kind, price.Amount)
	}
}

func printView(out io.Writer, view walletsync.View) {
	if !view.Known {
		fmt.Fprintln(out, "wallet: unknown")
		return
	}
	wallet := view.Wallet
	fmt.Fprintf(out, "wallet %s: balance=%d paid=%d free=%d daily_target=%d tier=%s version=%d\n",
		wallet.UserID, wallet.Balance, wallet.PaidBalance, wallet.Balance-wallet.PaidBalance, wallet.DailyFreeTarget, wallet.VIPTier, wallet.Version)
}

func printResult(out io.Writer, result walletsync.Result) error {
	if result.Outcome != walletsync.OutcomeSucceeded {
		return fmt.Errorf("%s: %w", result.Outcome, result.Err)
	}
	printView(out, walletsync.View{Known: true, Wallet: result.Wallet})
	return nil
}
