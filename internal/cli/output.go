package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/safar/pos-core/internal/models"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeTransactions(w io.Writer, txs []models.OfflineTransaction) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OFFLINE ID\tSTATUS\tRETRIES\tGRAND TOTAL\tSERVER REF\tLAST ERROR")
	for _, tx := range txs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			tx.OfflineID, tx.Status, tx.RetryCount, tx.Payload.GrandTotal.StringFixed(2), tx.ServerRef, tx.LastError)
	}
	return tw.Flush()
}
