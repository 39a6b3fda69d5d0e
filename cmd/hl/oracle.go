package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"harvestline/internal/config"
	"harvestline/internal/domain"
	"harvestline/internal/ledger"
	"harvestline/internal/oracle"
	"harvestline/internal/server"
)

func oracleCmd() *cobra.Command {
	o := &cobra.Command{Use: "oracle", Short: "Oracle key management and attestation signing"}
	o.AddCommand(oracleKeygenCmd())
	o.AddCommand(oracleSignCmd())
	return o
}

func oracleKeygenCmd() *cobra.Command {
	var id, scheme string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an oracle key pair",
		Long:  "Prints the trusted key entry for oracle.keys in harvestline.yml and the private key the oracle signs with.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, key, private, err := oracle.GenerateKey(id, scheme)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"trusted_key": key, "private_key": private})
			}
			out, err := yaml.Marshal([]oracle.TrustedKey{key})
			if err != nil {
				return err
			}
			fmt.Println("# add to oracle.keys in harvestline.yml")
			fmt.Print(string(out))
			fmt.Println("# private key, keep with the oracle (HARVESTLINE_ORACLE_KEY)")
			fmt.Println(private)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "key id")
	cmd.Flags().StringVar(&scheme, "scheme", oracle.SchemeEd25519, "signature scheme (ed25519, secp256k1)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func oracleSignCmd() *cobra.Command {
	var id, scheme, policyID, eventType, measurement, ts string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign an attestation for a policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			private := viper.GetString("oracle-key")
			if private == "" {
				return errors.New("HARVESTLINE_ORACLE_KEY is required")
			}
			signer, err := oracle.LoadSigner(id, scheme, private)
			if err != nil {
				return err
			}
			if !json.Valid([]byte(measurement)) {
				return fmt.Errorf("--measurement must be JSON")
			}
			at := time.Now().UTC()
			if ts != "" {
				if at, err = parseFlagDate("timestamp", ts); err != nil {
					return err
				}
			}
			att, err := signer.Sign(cmd.Context(), domain.OracleAttestation{
				PolicyID:    policyID,
				EventType:   eventType,
				Measurement: json.RawMessage(measurement),
				Timestamp:   at,
			})
			if err != nil {
				return err
			}
			return printJSON(att)
		},
	}
	cmd.Flags().StringVar(&id, "key-id", "", "oracle key id")
	cmd.Flags().StringVar(&scheme, "scheme", oracle.SchemeEd25519, "signature scheme")
	cmd.Flags().StringVar(&policyID, "policy", "", "policy id")
	cmd.Flags().StringVar(&eventType, "event", "", "event type (a covered peril)")
	cmd.Flags().StringVar(&measurement, "measurement", `{}`, "measurement JSON, e.g. {\"severity\":0.8}")
	cmd.Flags().StringVar(&ts, "timestamp", "", "observation time (defaults to now)")
	_ = cmd.MarkFlagRequired("key-id")
	_ = cmd.MarkFlagRequired("policy")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}

func ledgerCmd() *cobra.Command {
	l := &cobra.Command{Use: "ledger", Short: "Ledger utilities"}
	l.AddCommand(ledgerSimulateCmd())
	l.AddCommand(ledgerKeygenCmd())
	return l
}

func ledgerSimulateCmd() *cobra.Command {
	var addr string
	var funds []string
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Serve an in-memory ledger over JSON-RPC",
		Long:  "Runs the simulated ledger behind the same JSON-RPC contract ledger.mode=rpc speaks, so several hl processes can share it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			sim := ledger.NewSimulator()
			for _, f := range funds {
				account, amount, err := parseFunding(f)
				if err != nil {
					return err
				}
				sim.SetBalance(account, amount)
			}
			srv := &http.Server{Addr: addr, Handler: ledger.RPCHandler{Gateway: sim}.Router(), ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(ctx)
			}()
			fmt.Printf("Simulated ledger on http://%s\n", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8545", "listen address")
	cmd.Flags().StringSliceVar(&funds, "fund", nil, "account=amount balances to track")
	return cmd
}

func parseFunding(raw string) (string, decimal.Decimal, error) {
	account, amount, ok := strings.Cut(raw, "=")
	if !ok || account == "" {
		return "", decimal.Zero, fmt.Errorf("--fund: expected account=amount, got %q", raw)
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("--fund %s: %w", account, err)
	}
	return account, d, nil
}

func ledgerKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a secp256k1 transaction signing key for ledger.signer_key",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, hexKey, err := ledger.GenerateKeypairSigner()
			if err != nil {
				return err
			}
			return printJSON(map[string]string{"address": s.Address(), "signer_key": hexKey})
		},
	}
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{Use: "token", Short: "API bearer tokens"}
	var subject string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a bearer token with the server JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			now := time.Now()
			tok, err := server.IssueToken(authConfig(cfg), subject, jwt.RegisteredClaims{
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, tok)
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "ledger account or operator id")
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = issue.MarkFlagRequired("subject")
	t.AddCommand(issue)
	return t
}
