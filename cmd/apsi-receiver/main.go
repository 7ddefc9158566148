// Command apsi-receiver runs the Receiver side of a Private Set Intersection
// query against a running apsi-sender endpoint: it fetches parameters,
// executes the OPRF exchange for a list of items given directly on the
// command line, builds and sends the encrypted query, and prints the
// matches it receives back.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	logpkg "github.com/luxfi/log"
	"github.com/spf13/cobra"

	"github.com/luxfi/apsi/internal/cryptoctx"
	"github.com/luxfi/apsi/internal/item"
	"github.com/luxfi/apsi/internal/oprf"
	"github.com/luxfi/apsi/internal/receiverquery"
	"github.com/luxfi/apsi/internal/receiverresult"
	"github.com/luxfi/apsi/internal/transport"
)

func main() {
	var endpoint string
	var raws []string
	var labelBytes, nonceBytes int

	root := &cobra.Command{
		Use:   "apsi-receiver",
		Short: "Query a running apsi-sender for set intersection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(endpoint, raws, labelBytes, nonceBytes)
		},
	}
	root.Flags().StringVar(&endpoint, "endpoint", "http://127.0.0.1:8765/", "apsi-sender RPC endpoint")
	root.Flags().StringArrayVar(&raws, "item", nil, "raw item bytes to query (repeatable, required)")
	root.Flags().IntVar(&labelBytes, "label-bytes", 0, "expected label byte count, 0 for an unlabeled database")
	root.Flags().IntVar(&nonceBytes, "nonce-bytes", 16, "expected nonce byte count, used only when label-bytes > 0")
	root.MarkFlagRequired("item")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(endpoint string, raws []string, labelBytes, nonceBytes int) error {
	logger := logpkg.NewTestLogger(logpkg.InfoLevel)
	ctx := context.Background()

	channel := transport.NewHTTPChannel(endpoint, http.DefaultClient)

	p, err := channel.GetParameters(ctx)
	if err != nil {
		return fmt.Errorf("fetch parameters: %w", err)
	}

	cc, err := cryptoctx.New(p)
	if err != nil {
		return err
	}
	if err := cc.GenKeys(); err != nil {
		return err
	}

	rawBytes := make([][]byte, len(raws))
	for i, r := range raws {
		rawBytes[i] = []byte(r)
	}

	states, blindWire, err := oprf.BlindBatch(rawBytes)
	if err != nil {
		return err
	}
	evaluatedWire, err := channel.RequestOPRF(ctx, blindWire)
	if err != nil {
		return fmt.Errorf("oprf exchange: %w", err)
	}
	hashedItems, labelKeys, err := oprf.FinalizeBatch(states, evaluatedWire)
	if err != nil {
		return err
	}

	built, err := receiverquery.Build(p, cc, hashedItems)
	if err != nil {
		return err
	}

	logger.Info("sending query")
	parts, err := channel.SendQuery(ctx, built.Request)
	if err != nil {
		return fmt.Errorf("send query: %w", err)
	}

	var lkMap map[int]item.LabelKey
	if labelBytes > 0 {
		lkMap = make(map[int]item.LabelKey, len(labelKeys))
		for i, lk := range labelKeys {
			lkMap[i] = lk
		}
	}

	matches, err := receiverresult.Process(p, cc, built.TranslationTbl, parts, lkMap, labelBytes, nonceBytes)
	if err != nil {
		return err
	}

	found := make(map[int]item.Label, len(matches))
	for _, m := range matches {
		found[m.ItemIndex] = m.Label
	}
	for i, raw := range raws {
		label, ok := found[i]
		switch {
		case !ok:
			fmt.Printf("%s: not found\n", raw)
		case labelBytes > 0:
			fmt.Printf("%s: found, label=%q\n", raw, label)
		default:
			fmt.Printf("%s: found\n", raw)
		}
	}
	return nil
}
