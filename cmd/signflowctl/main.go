// Command signflowctl is the operator tool for inspecting and repairing
// contracts when a webhook was lost or a charge needs a manual push.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/signflow/internal/clock"
	"github.com/smallbiznis/signflow/internal/config"
	contractdomain "github.com/smallbiznis/signflow/internal/contract/domain"
	eventdomain "github.com/smallbiznis/signflow/internal/contractevent/domain"
	"github.com/smallbiznis/signflow/internal/core"
	"github.com/smallbiznis/signflow/internal/observability"
	paymentdomain "github.com/smallbiznis/signflow/internal/payment/domain"
	"github.com/smallbiznis/signflow/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "signflowctl",
		Short:         "Operator tooling for signflow contracts and payments",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Duration("timeout", 2*time.Minute, "overall command timeout")

	root.AddCommand(diagnoseCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(chargeRemainingCmd())
	root.AddCommand(migrateCmd())
	return root
}

// deps are the services a command may need.
type deps struct {
	DB        *gorm.DB
	Contracts contractdomain.Repository
	Payments  paymentdomain.Service
	Events    eventdomain.Service
}

// withApp boots the domain graph without the HTTP server, runs fn, and shuts
// the graph down again.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, d deps) error) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	var d deps
	app := fx.New(
		fx.NopLogger,
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,
		core.Module,
		fx.Populate(&d.DB, &d.Contracts, &d.Payments, &d.Events),
	)
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer stopCancel()
		_ = app.Stop(stopCtx)
	}()

	return fn(ctx, d)
}

func registerSnowflake() (*snowflake.Node, error) {
	// Node 9 is reserved for operator tooling so ids never collide with the
	// long-running binaries.
	return snowflake.NewNode(9)
}

func parseContractID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid contract id %q", raw)
	}
	return id, nil
}

func loadContract(ctx context.Context, d deps, raw string) (*contractdomain.Contract, error) {
	id, err := parseContractID(raw)
	if err != nil {
		return nil, err
	}
	contract, err := d.Contracts.FindByID(ctx, d.DB, id)
	if err != nil {
		return nil, err
	}
	if contract == nil {
		return nil, contractdomain.ErrContractNotFound
	}
	return contract, nil
}
