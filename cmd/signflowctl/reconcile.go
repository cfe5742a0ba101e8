package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/signflow/internal/authorization"
	"github.com/spf13/cobra"
)

func reconcileCmd() *cobra.Command {
	var paymentIntentID string
	cmd := &cobra.Command{
		Use:   "reconcile <contract-id>",
		Short: "Re-read a payment intent from the provider and apply it",
		Long: `Re-read a payment intent from the provider and run it through the
same reconciliation path as the webhook. Safe to repeat: an intent that was
already applied is reported and left alone.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			intent := strings.TrimSpace(paymentIntentID)
			if intent == "" {
				return errors.New("--payment-intent is required")
			}
			id, err := parseContractID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, d deps) error {
				res, err := d.Payments.RepairFromProvider(ctx, id, intent)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if res.AlreadyProcessed {
					fmt.Fprintf(out, "payment %s already applied; contract is %s\n", intent, res.ContractStatus)
					return nil
				}
				fmt.Fprintf(out, "applied payment %s: %s -> %s, paid %s, remaining %s\n",
					intent, res.PreviousStatus, res.ContractStatus, res.TotalPaid.StringFixed(2), res.Remaining.StringFixed(2))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&paymentIntentID, "payment-intent", "", "provider payment intent id (pi_...)")
	return cmd
}

func chargeRemainingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "charge-remaining <contract-id>",
		Short: "Charge the saved payment method for the outstanding balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, d deps) error {
				contract, err := loadContract(ctx, d, args[0])
				if err != nil {
					return err
				}
				res, err := d.Payments.ChargeRemaining(ctx, authorization.SystemActor(contract.CompanyID), contract.ID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if res.Pending {
					fmt.Fprintf(out, "charge %s is pending; the webhook will settle it\n", res.PaymentIntentID)
					return nil
				}
				fmt.Fprintf(out, "charged %s\n", res.PaymentIntentID)
				return nil
			})
		},
	}
}
