package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	contractdomain "github.com/smallbiznis/signflow/internal/contract/domain"
	eventdomain "github.com/smallbiznis/signflow/internal/contractevent/domain"
	paymentdomain "github.com/smallbiznis/signflow/internal/payment/domain"
	"github.com/smallbiznis/signflow/pkg/masking"
	"github.com/spf13/cobra"
)

type diagnosis struct {
	Contract *contractdomain.Contract `json:"contract"`
	Summary  paymentdomain.Summary    `json:"summary"`
	Events   []eventdomain.Event      `json:"events"`
}

func diagnoseCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "diagnose <contract-id>",
		Short: "Show a contract's status, payments, and event history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, d deps) error {
				report, err := buildDiagnosis(ctx, d, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(report)
				}
				return writeDiagnosis(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func buildDiagnosis(ctx context.Context, d deps, rawID string) (diagnosis, error) {
	contract, err := loadContract(ctx, d, rawID)
	if err != nil {
		return diagnosis{}, err
	}
	summary, err := d.Payments.Summary(ctx, contract.ID)
	if err != nil {
		return diagnosis{}, err
	}
	events, err := d.Events.List(ctx, contract.ID)
	if err != nil {
		return diagnosis{}, err
	}
	return diagnosis{Contract: contract, Summary: summary, Events: events}, nil
}

func writeDiagnosis(w io.Writer, d diagnosis) error {
	c := d.Contract
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "contract\t%s\n", c.ID)
	fmt.Fprintf(tw, "title\t%s\n", c.Title)
	fmt.Fprintf(tw, "status\t%s\n", c.Status)
	fmt.Fprintf(tw, "auto-pay\t%t\n", c.AutoPayEnabled)
	if pm, saved := c.SavedInstrument(); saved {
		fmt.Fprintf(tw, "saved instrument\t%s / %s\n", masking.MaskReference(pm.CustomerRef), masking.MaskReference(pm.PaymentMethodRef))
	} else {
		fmt.Fprintf(tw, "saved instrument\tnone\n")
	}
	fmt.Fprintf(tw, "total\t%s %s\n", d.Summary.Total.StringFixed(2), d.Summary.Currency)
	fmt.Fprintf(tw, "deposit\t%s\n", d.Summary.Deposit.StringFixed(2))
	fmt.Fprintf(tw, "paid\t%s\n", d.Summary.Paid.StringFixed(2))
	fmt.Fprintf(tw, "remaining\t%s\n", d.Summary.Remaining.StringFixed(2))
	fmt.Fprintln(tw)

	fmt.Fprintf(tw, "PAYMENT\tSTATUS\tAMOUNT\tREFERENCE\tSOURCE\tCREATED\n")
	for _, p := range d.Summary.Payments {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID, p.Status, p.Amount.StringFixed(2), p.ProviderReference, p.Source, p.CreatedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintln(tw)

	fmt.Fprintf(tw, "EVENT\tACTOR\tREFERENCE\tAT\n")
	for _, e := range d.Events {
		ref := ""
		if e.ProviderReference != nil {
			ref = *e.ProviderReference
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.EventType, e.ActorType, ref, e.CreatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}
