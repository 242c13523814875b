package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type submitOptions struct {
	url     string
	tenant  string
	async   bool
	wait    time.Duration
	timeout time.Duration
	top     int
}

func newSubmitCmd(root *rootOptions) *cobra.Command {
	opts := &submitOptions{}

	cmd := &cobra.Command{
		Use:   "submit <ledger.csv|ledger.json>",
		Short: "Send a ledger to a running Kestrel service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := &client{
				base:   strings.TrimRight(opts.url, "/"),
				tenant: opts.tenant,
				http:   &http.Client{Timeout: opts.timeout},
			}
			ctx := cmd.Context()

			if !opts.async {
				rep, err := c.upload(ctx, args[0])
				if err != nil {
					return err
				}
				return writeSummary(cmd.OutOrStdout(), rep, opts.top)
			}

			transfers, err := readLedger(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			id, err := c.queue(ctx, transfers)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued analysis %s\n", id)
			if opts.wait <= 0 {
				return nil
			}

			rep, err := c.await(ctx, id, opts.wait)
			if err != nil {
				return err
			}
			return writeSummary(cmd.OutOrStdout(), rep, opts.top)
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", "http://localhost:8000", "Kestrel base URL")
	cmd.Flags().StringVar(&opts.tenant, "tenant", "", "X-Tenant-ID to send")
	cmd.Flags().BoolVar(&opts.async, "async", false, "queue the ledger instead of waiting for the report")
	cmd.Flags().DurationVar(&opts.wait, "wait", 0, "with --async, poll for the report for this long")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "per-request timeout")
	cmd.Flags().IntVar(&opts.top, "top", 10, "suspicious accounts to list in the summary")
	return cmd
}

type client struct {
	base   string
	tenant string
	http   *http.Client
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("kestrel: %d %s", e.Status, e.Message)
}

// upload posts a CSV ledger to /upload-transactions, or a JSON ledger to
// /analyses.
func (c *client) upload(ctx context.Context, path string) (*domain.Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".json") {
		var rep domain.Report
		err := c.do(ctx, http.MethodPost, "/analyses", "application/json", f, http.StatusOK, &rep)
		return &rep, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var rep domain.Report
	if err := c.do(ctx, http.MethodPost, "/upload-transactions", mw.FormDataContentType(), &body, http.StatusOK, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

func (c *client) queue(ctx context.Context, transfers []domain.Transfer) (string, error) {
	raw := make([]domain.RawTransfer, len(transfers))
	for i, t := range transfers {
		raw[i] = domain.RawTransfer{SenderID: t.SenderID, ReceiverID: t.ReceiverID, Amount: t.Amount, Timestamp: t.Timestamp}
	}
	payload, err := json.Marshal(domain.TransferRequest{Transactions: raw})
	if err != nil {
		return "", err
	}

	var resp struct {
		AnalysisID string `json:"analysis_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/analyses/async", "application/json", bytes.NewReader(payload), http.StatusAccepted, &resp); err != nil {
		return "", err
	}
	return resp.AnalysisID, nil
}

// await polls GET /analyses/{id} until the report exists or wait elapses.
func (c *client) await(ctx context.Context, id string, wait time.Duration) (*domain.Report, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		var rep domain.Report
		err := c.do(ctx, http.MethodGet, "/analyses/"+id, "", nil, http.StatusOK, &rep)
		if err == nil {
			return &rep, nil
		}
		var ae *apiError
		if !errors.As(err, &ae) || ae.Status != http.StatusNotFound {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("analysis %s not ready: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *client) do(ctx context.Context, method, path, contentType string, body io.Reader, want int, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.tenant != "" {
		req.Header.Set("X-Tenant-ID", c.tenant)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
