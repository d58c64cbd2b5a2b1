package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/schoolpower/powers/pkg/models"
	"github.com/schoolpower/powers/pkg/powers"
)

func newChargeCmd(g *globalOptions) *cobra.Command {
	var (
		items         int
		activityID    string
		activityTitle string
		dryRun        bool
	)

	cmd := &cobra.Command{
		Use:   "charge <capability>",
		Short: "Charge Powers for a capability",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(context.Background(), g, true)
			if err != nil {
				return err
			}
			defer a.Close()

			capability := args[0]
			if dryRun {
				cost, err := a.powers.EstimatedCost(capability, items)
				if err != nil {
					return err
				}
				ok, _ := a.powers.CanAfford(capability, items)
				fmt.Printf("%s x%d costs %d (available %d, affordable: %t)\n",
					capability, items, cost, a.powers.Available(), ok)
				return nil
			}

			res, err := a.powers.Charge(context.Background(), capability, items, models.ChargeMetadata{
				ActivityID:    activityID,
				ActivityTitle: activityTitle,
			})
			if errors.Is(err, powers.ErrInsufficientBalance) {
				return errors.New(res.Error)
			}
			if err != nil {
				return err
			}
			if res.Charged == 0 {
				fmt.Printf("Free capability, nothing charged. Remaining: %d\n", res.RemainingBalance)
				return nil
			}
			fmt.Printf("Charged %d (transaction %s). Remaining: %d\n",
				res.Charged, res.TransactionID, res.RemainingBalance)
			return nil
		},
	}

	cmd.Flags().IntVarP(&items, "items", "n", 1, "number of items")
	cmd.Flags().StringVar(&activityID, "activity-id", "", "activity the charge belongs to")
	cmd.Flags().StringVar(&activityTitle, "activity-title", "", "activity title used in the description")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only show the cost")
	return cmd
}
