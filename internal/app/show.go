package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"tao-dividends/internal/domain"
)

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// Show prints recent stake transactions.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show transactions")
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.ListRecent(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no transactions found")
		return nil
	}
	return printRecords(os.Stdout, records)
}

func printRecords(out io.Writer, records []domain.TransactionRecord) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tRequest\tNetuid\tHotkey\tScore\tAction\tAmount (TAO)\tStatus\tAttempts\tTx\tError")

	for _, rec := range records {
		score := "-"
		if rec.Score != nil {
			score = strconv.Itoa(*rec.Score)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.RequestID,
			rec.SubnetID,
			shorten(rec.AccountKey, 12),
			score,
			rec.Action,
			domain.RaoToTao(rec.Amount).StringFixed(4),
			rec.Status,
			rec.Attempts,
			shorten(rec.TxRef, 18),
			sanitizeInline(rec.Error),
		)
	}

	return writer.Flush()
}

func shorten(v string, n int) string {
	if len(v) <= n {
		return v
	}
	return v[:n] + "…"
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
