package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/swarmguard/bitsearch/libs/go/core/logging"
	"github.com/swarmguard/bitsearch/services/search-engine/config"
	"github.com/swarmguard/bitsearch/services/search-engine/mutation"
	"github.com/swarmguard/bitsearch/services/search-engine/store"
	"github.com/swarmguard/bitsearch/services/search-engine/value"
)

var (
	searchKind      string
	searchValue     string
	searchHex       string
	searchB64       string
	searchFile      string
	searchAnnotate  bool
	searchEncodings []string
	searchStrategy  string
	searchJSON      bool
	searchNATS      string
	searchTimeout   time.Duration

	encodingsKind string

	historyN     int
	historyStore string
)

func runSearch(cmd *cobra.Command, _ []string) error {
	logger := logging.InitWriter(serviceName, cmd.ErrOrStderr())
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if searchNATS != "" {
		return runRemoteSearch(cmd, cfg.NATS.Subject)
	}
	if searchStrategy != "" {
		cfg.Search.Strategy = searchStrategy
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	var history *store.Store
	if cfg.Store.Path != "" {
		if history, err = store.Open(cfg.Store.Path); err != nil {
			return err
		}
		defer history.Close()
	}
	svc := newService(history, logger)
	if err := svc.apply(cfg); err != nil {
		return err
	}

	req := SearchRequest{
		Kind:       searchKind,
		Value:      searchValue,
		PayloadHex: searchHex,
		PayloadB64: searchB64,
		Annotate:   searchAnnotate,
		Encodings:  searchEncodings,
	}
	var resp SearchResponse
	switch {
	case searchFile == "":
		resp, err = svc.search(cmd.Context(), req)
	case searchAnnotate:
		// highlights need the whole message in memory
		var payload []byte
		if payload, err = readInput(cmd.InOrStdin(), searchFile); err == nil {
			resp, err = svc.searchPayload(cmd.Context(), req, payload)
		}
	default:
		var r io.ReadCloser
		if r, err = openInput(cmd.InOrStdin(), searchFile); err == nil {
			defer r.Close()
			resp, err = svc.searchStream(cmd.Context(), req.Kind, req.Value, req.Encodings, r)
		}
	}
	if err != nil {
		return err
	}
	return printResponse(cmd.OutOrStdout(), resp, searchJSON)
}

// runRemoteSearch sends the search to a running service over NATS instead of
// searching in process.
func runRemoteSearch(cmd *cobra.Command, subject string) error {
	req, err := remoteRequest(cmd.InOrStdin())
	if err != nil {
		return err
	}
	nc, err := nats.Connect(searchNATS, nats.Name(serviceName+"-cli"))
	if err != nil {
		return fmt.Errorf("connect %s: %w", searchNATS, err)
	}
	defer nc.Close()
	ctx, cancel := context.WithTimeout(cmd.Context(), searchTimeout)
	defer cancel()
	resp, err := requestSearch(ctx, nc, subject, req)
	if err != nil {
		return err
	}
	return printResponse(cmd.OutOrStdout(), resp, searchJSON)
}

// remoteRequest builds the request from flags; a file payload is inlined as base64.
func remoteRequest(stdin io.Reader) (SearchRequest, error) {
	req := SearchRequest{
		Kind:       searchKind,
		Value:      searchValue,
		PayloadHex: searchHex,
		PayloadB64: searchB64,
		Annotate:   searchAnnotate,
		Encodings:  searchEncodings,
	}
	if searchFile == "" {
		return req, nil
	}
	if req.PayloadHex != "" || req.PayloadB64 != "" {
		return req, errors.New("--file cannot be combined with --payload-hex or --payload-b64")
	}
	payload, err := readInput(stdin, searchFile)
	if err != nil {
		return req, err
	}
	req.PayloadB64 = base64.StdEncoding.EncodeToString(payload)
	return req, nil
}

func openInput(stdin io.Reader, path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(stdin), nil
	}
	return os.Open(path)
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	r, err := openInput(stdin, path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func printResponse(w io.Writer, resp SearchResponse, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	fmt.Fprintln(w, resp.Summary)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, r := range resp.Results {
		spans := make([]string, len(r.Ranges))
		for i, rg := range r.Ranges {
			spans[i] = fmt.Sprintf("[%d,%d)", rg.Start, rg.End)
		}
		fmt.Fprintf(tw, "%s\t%s\n", r.Label, strings.Join(spans, " "))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, sk := range resp.Skipped {
		fmt.Fprintf(w, "skipped %s: %s\n", sk.Label, sk.Reason)
	}
	for _, warn := range resp.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	if resp.Rendered != "" {
		fmt.Fprintln(w, resp.Rendered)
	}
	return nil
}

func runEncodings(cmd *cobra.Command, _ []string) error {
	w := cmd.OutOrStdout()
	kinds := value.Kinds
	if encodingsKind != "" {
		k, err := value.ParseKind(encodingsKind)
		if err != nil {
			return err
		}
		kinds = []value.Kind{k}
	}
	for _, k := range kinds {
		fmt.Fprintf(w, "%s:\n", k)
		for _, l := range mutation.Labels(k) {
			fmt.Fprintf(w, "  %s\n", l)
		}
	}
	return nil
}

func runHistory(cmd *cobra.Command, _ []string) error {
	path := historyStore
	if path == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		path = cfg.Store.Path
	}
	if path == "" {
		return errors.New("no history store: set store.path or --store")
	}
	history, err := store.Open(path)
	if err != nil {
		return err
	}
	defer history.Close()
	runs, err := history.Latest(cmd.Context(), historyN)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tAT\tKIND\tVALUE\tBYTES\tLABELS\tRANGES")
	for _, r := range runs {
		ranges := 0
		for _, res := range r.Results {
			ranges += len(res.Ranges)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			r.ID, r.At.Format("2006-01-02T15:04:05Z07:00"), r.Kind, r.Literal, r.MessageBytes, len(r.Results), ranges)
	}
	return tw.Flush()
}
