// Package reporting renders participant transaction statements as XLSX
// workbooks.
package reporting

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/medichain/medichain/internal/ledger"
)

const (
	transactionsSheet = "Transactions"
	summarySheet      = "Summary"
	timeLayout        = "2006-01-02 15:04:05"
)

// StatementHeader is the column layout of the transactions sheet.
var StatementHeader = []string{
	"ID",
	"Kind",
	"Direction",
	"Counterparty",
	"Value",
	"Settled",
	"Native Value",
	"Rate",
	"Claim",
	"Created",
	"Settled At",
}

var columnWidths = []float64{8, 14, 10, 28, 12, 9, 22, 22, 8, 20, 20}

// Totals summarizes a statement from the owner's point of view. Values are
// fiat units.
type Totals struct {
	Incoming    int64
	Outgoing    int64
	Outstanding int64
	Count       int
}

// Summarize computes the totals of txs for owner. Outstanding is the
// unsettled value owner still has to pay.
func Summarize(owner string, txs []*ledger.Transaction) Totals {
	var t Totals
	for _, tx := range txs {
		t.Count++
		switch {
		case tx.SenderID == owner && !tx.Settled:
			t.Outstanding += tx.Value
		case tx.SenderID == owner:
			t.Outgoing += tx.Value
		case tx.ReceiverID == owner && tx.Settled:
			t.Incoming += tx.Value
		}
	}
	return t
}

// Statement renders txs for owner into an XLSX workbook with a transactions
// sheet and a summary sheet.
func Statement(owner *ledger.Participant, txs []*ledger.Transaction, generatedAt time.Time) ([]byte, error) {
	f := excelize.NewFile()

	if _, err := f.NewSheet(transactionsSheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	if _, err := f.NewSheet(summarySheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		f.Close()
		return nil, fmt.Errorf("delete default sheet: %w", err)
	}
	index, err := f.GetSheetIndex(transactionsSheet)
	if err != nil {
		f.Close()
		return nil, err
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create header style: %w", err)
	}

	if err := writeTransactions(f, owner.ID, txs, headerStyle); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeSummary(f, owner, Summarize(owner.ID, txs), generatedAt, headerStyle); err != nil {
		f.Close()
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeTransactions(f *excelize.File, owner string, txs []*ledger.Transaction, headerStyle int) error {
	for col, header := range StatementHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(transactionsSheet, cell, header); err != nil {
			return fmt.Errorf("set header %s: %w", cell, err)
		}
		if err := f.SetCellStyle(transactionsSheet, cell, cell, headerStyle); err != nil {
			return fmt.Errorf("set header style: %w", err)
		}
		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(transactionsSheet, name, name, columnWidths[col]); err != nil {
			return fmt.Errorf("set column width: %w", err)
		}
	}

	for i, tx := range txs {
		direction, counterparty := "out", tx.ReceiverID
		if tx.ReceiverID == owner {
			direction, counterparty = "in", tx.SenderID
		}
		row := []any{
			tx.ID,
			tx.Kind,
			direction,
			counterparty,
			tx.Value,
			yesNo(tx.Settled),
			tx.NativeValue,
			tx.Rate,
			claimRef(tx.ClaimID),
			tx.CreatedAt.Format(timeLayout),
			formatTime(tx.SettledAt),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(transactionsSheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	return f.SetPanes(transactionsSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

func writeSummary(f *excelize.File, owner *ledger.Participant, t Totals, generatedAt time.Time, headerStyle int) error {
	rows := [][]any{
		{"Participant", owner.ID},
		{"Name", owner.Name},
		{"Role", owner.Role.String()},
		{"Generated", generatedAt.UTC().Format(timeLayout)},
		{"Transactions", t.Count},
		{"Incoming (settled)", t.Incoming},
		{"Outgoing (settled)", t.Outgoing},
		{"Outstanding", t.Outstanding},
	}
	for i, row := range rows {
		cell := "A" + strconv.Itoa(i+1)
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return fmt.Errorf("write summary row: %w", err)
		}
		if err := f.SetCellStyle(summarySheet, cell, cell, headerStyle); err != nil {
			return fmt.Errorf("set summary style: %w", err)
		}
	}
	return f.SetColWidth(summarySheet, "A", "B", 24)
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func claimRef(id uint64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatUint(id, 10)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(timeLayout)
}
