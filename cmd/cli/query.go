package cli

import (
	"strconv"

	"github.com/spf13/cobra"
)

var (
	limit = 0
)

func init() {
	queryCmd.AddCommand(healthCmd)
	queryCmd.AddCommand(proofCmd)
	queryCmd.AddCommand(proofABICmd)
	queryCmd.AddCommand(eventCmd)
	queryCmd.AddCommand(validatorsCmd)
	queryCmd.AddCommand(auditCmd)
	auditCmd.PersistentFlags().IntVar(&limit, "limit", 50, "the maximum number of audit records returned")
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "query the gadget rpc",
}

var (
	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "query the last processed block, the active validator set and the peer count",
		Run: func(cmd *cobra.Command, args []string) {
			writeToConsole(client.Health())
		},
	}

	proofCmd = &cobra.Command{
		Use:   "proof <event_id>",
		Short: "query the finalized proof of an event",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			writeToConsole(client.Proof(argToEventId(args[0])))
		},
	}

	proofABICmd = &cobra.Command{
		Use:   "proof-abi <event_id>",
		Short: "query the finalized proof of an event encoded for an evm verifier",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			writeToConsole(client.ProofABI(argToEventId(args[0])))
		},
	}

	eventCmd = &cobra.Command{
		Use:   "event <event_id>",
		Short: "query an event and its witness progress",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			writeToConsole(client.Event(argToEventId(args[0])))
		},
	}

	validatorsCmd = &cobra.Command{
		Use:   "validators",
		Short: "query the active validator set",
		Run: func(cmd *cobra.Command, args []string) {
			writeToConsole(client.Validators())
		},
	}

	auditCmd = &cobra.Command{
		Use:   "audit --limit=50",
		Short: "query the newest audit records",
		Run: func(cmd *cobra.Command, args []string) {
			writeToConsole(client.Audit(limit))
		},
	}
)

func argToEventId(arg string) uint64 {
	eventId, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		l.Fatal(err.Error())
	}
	return eventId
}
