// Package satpctl implements the gateway operator command line.
package satpctl

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	platformcmd "github.com/louisbranch/satp-gateway/internal/platform/cmd"
	"github.com/louisbranch/satp-gateway/internal/platform/config"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/api/http/operator"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/session"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/identity"
)

const defaultAPI = "http://127.0.0.1:7080"

type options struct {
	api  string
	json bool
}

// Execute runs satpctl with the process arguments.
func Execute() error {
	if err := config.LoadDotEnv(platformcmd.DotEnvFile); err != nil {
		return err
	}
	return NewRootCommand(os.Stdout, os.Stderr).Execute()
}

// NewRootCommand builds the command tree writing to out and errOut.
func NewRootCommand(out, errOut io.Writer) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           platformcmd.ServiceSatpctl,
		Short:         "Operate SATP gateways",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVar(&opts.api, "api", envOr("SATPCTL_API", defaultAPI), "gateway operator API address")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON")

	root.AddCommand(
		keygenCmd(),
		initiateCmd(opts),
		statusCmd(opts),
		listCmd(opts),
		abortCmd(opts),
		auditCmd(opts),
	)
	return root
}

func keygenCmd() *cobra.Command {
	var (
		path       string
		passphrase string
		addr       string
	)
	cmd := &cobra.Command{
		Use:   "keygen <gateway-id>",
		Short: "Generate a gateway key pair and print its peer entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := identity.GenerateKeyPair(args[0], nil)
			if err != nil {
				return err
			}
			if path != "" {
				if passphrase == "" {
					passphrase = os.Getenv("SATP_GATEWAY_KEYSTORE_PASSPHRASE")
				}
				if passphrase == "" {
					return errors.New("passphrase required to write a keystore (--passphrase)")
				}
				if err := identity.SaveKeystore(path, passphrase, keys); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Keystore written to %s\n", path)
			}
			peer := identity.Peer{GatewayID: keys.GatewayID, PublicKey: keys.PublicKey, Addr: addr}
			fmt.Fprintf(cmd.OutOrStdout(), "Fingerprint: %s\n", identity.Fingerprint(keys.PublicKey))
			fmt.Fprintf(cmd.OutOrStdout(), "Peer: %s\n", identity.FormatPeer(peer))
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "keystore", "", "write the key pair to this keystore file")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "keystore passphrase")
	cmd.Flags().StringVar(&addr, "addr", "", "gateway address to include in the peer entry")
	return cmd
}

func initiateCmd(opts *options) *cobra.Command {
	var (
		req    operator.TransferRequest
		amount string
	)
	cmd := &cobra.Command{
		Use:   "initiate",
		Short: "Start a transfer from this gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.ParseUint(amount, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q", amount)
			}
			req.Asset.Amount = n
			client, err := NewClient(opts.api, nil)
			if err != nil {
				return err
			}
			id, err := client.Initiate(cmd.Context(), req)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), operator.TransferResponse{SessionID: id})
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&req.SessionID, "session", "", "session id (generated when empty)")
	flags.StringVar(&req.Asset.LedgerID, "ledger", "", "source ledger id")
	flags.StringVar(&req.Asset.AssetRef, "asset", "", "asset reference on the source ledger")
	flags.StringVar(&amount, "amount", "", "amount to transfer")
	flags.StringVar(&req.Destination.LedgerID, "to-ledger", "", "destination ledger id")
	flags.StringVar(&req.Destination.Recipient, "recipient", "", "recipient on the destination ledger")
	flags.StringVar(&req.CounterpartyGatewayID, "peer", "", "counterparty gateway id")
	for _, name := range []string{"ledger", "asset", "amount", "to-ledger", "recipient", "peer"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func statusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := NewClient(opts.api, nil)
			if err != nil {
				return err
			}
			st, err := client.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), st)
			}
			writeStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func listCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions held in memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := NewClient(opts.api, nil)
			if err != nil {
				return err
			}
			all, err := client.List(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), all)
			}
			out := cmd.OutOrStdout()
			if len(all) == 0 {
				fmt.Fprintln(out, "no sessions")
				return nil
			}
			for _, st := range all {
				fmt.Fprintf(out, "%s\t%s\t%s\tseq=%d\t%s\n", st.SessionID, st.Role, st.Stage, st.SequenceNumber, outcome(st.Outcome))
			}
			return nil
		},
	}
}

func abortCmd(opts *options) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abort <session-id>",
		Short: "Abort a session and compensate its ledger effect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := NewClient(opts.api, nil)
			if err != nil {
				return err
			}
			resp, err := client.Abort(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			writeStatus(cmd.OutOrStdout(), resp.Session)
			if resp.CompensationError != "" {
				return fmt.Errorf("session aborted but compensation failed: %s", resp.CompensationError)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the abort message")
	return cmd
}

func auditCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <session-id>",
		Short: "Print a session's audit log and verify its hash chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := NewClient(opts.api, nil)
			if err != nil {
				return err
			}
			audit, err := client.Audit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.json {
				if err := printJSON(cmd.OutOrStdout(), audit); err != nil {
					return err
				}
			} else {
				writeAudit(cmd.OutOrStdout(), audit)
			}
			if !audit.Verified {
				return fmt.Errorf("audit log of %s failed verification: %s", audit.SessionID, audit.Problem)
			}
			return nil
		},
	}
}

func writeAudit(out io.Writer, audit operator.AuditResponse) {
	fmt.Fprintf(out, "Session:  %s\n", audit.SessionID)
	for _, e := range audit.Entries {
		fmt.Fprintf(out, "%3d  %s  %-8s  %-22s  %-8s  %-9s  %s\n",
			e.SequenceNumber, e.Timestamp.Format(time.RFC3339), e.Direction, e.MessageType, e.Effect, e.Outcome, shortHash(e.ChainHash))
	}
	verdict := "verified"
	switch {
	case !audit.Verified:
		verdict = "FAILED: " + audit.Problem
	case !audit.Signed:
		verdict = "verified (hash chain only, entries unsigned)"
	}
	fmt.Fprintf(out, "Chain:    %s\n", verdict)
	if audit.Quarantined {
		fmt.Fprintln(out, "Session is quarantined by the gateway")
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func writeStatus(out io.Writer, st session.Status) {
	fmt.Fprintf(out, "Session:      %s\n", st.SessionID)
	fmt.Fprintf(out, "Role:         %s\n", st.Role)
	fmt.Fprintf(out, "Stage:        %s (seq %d)\n", st.Stage, st.SequenceNumber)
	fmt.Fprintf(out, "Outcome:      %s\n", outcome(st.Outcome))
	fmt.Fprintf(out, "Counterparty: %s\n", st.CounterpartyGatewayID)
	fmt.Fprintf(out, "Asset:        %d %s on %s\n", st.Asset.Amount, st.Asset.AssetRef, st.Asset.LedgerID)
	fmt.Fprintf(out, "Destination:  %s on %s\n", st.Destination.Recipient, st.Destination.LedgerID)
	if st.AbortCode != "" || st.AbortReason != "" {
		fmt.Fprintf(out, "Abort:        %s %s\n", st.AbortCode, st.AbortReason)
	}
	if st.Note != "" {
		fmt.Fprintf(out, "Note:         %s\n", st.Note)
	}
}

func outcome(o protocol.Outcome) string {
	if o == "" {
		return "open"
	}
	return string(o)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
