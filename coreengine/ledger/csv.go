package ledger

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/shopspring/decimal"
)

// Accepted date layouts, tried in order. Day-first wins for ambiguous
// slash dates.
var dateLayouts = []string{"2006-01-02", "02/01/2006", "01/02/2006", "02-01-2006"}

// RowError collects the problems found in one data row. Row numbers are
// spreadsheet numbers: the header is row 1.
type RowError struct {
	Row      int      `json:"row"`
	Problems []string `json:"problems"`
}

func (e RowError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = fmt.Sprintf("Row %d: %s", e.Row, p)
	}
	return strings.Join(parts, "; ")
}

// ParseResult is a partial-success parse: valid rows plus per-row errors.
type ParseResult struct {
	Transactions []envelope.Transaction `json:"transactions"`
	Errors       []RowError             `json:"errors"`
	TotalRows    int                    `json:"total_rows"`
}

// ErrNoRows is returned for a file with a header but no data.
var ErrNoRows = errors.New("file is empty or has no data rows")

// CSVParser parses CSV statements. Now supplies the date for rows that have
// none.
type CSVParser struct {
	Now func() time.Time
}

// NewCSVParser returns a parser using the wall clock.
func NewCSVParser() *CSVParser {
	return &CSVParser{Now: time.Now}
}

// Parse reads the whole statement. Only structural problems with the file
// itself (unreadable, no header, no description or amount column) fail the
// call; bad rows are reported in the result.
func (p *CSVParser) Parse(ctx context.Context, r io.Reader) (ParseResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return ParseResult{}, fmt.Errorf("read statement: %w", err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return ParseResult{}, ErrNoRows
	}
	if err != nil {
		return ParseResult{}, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"description", "amount"} {
		if _, ok := cols[required]; !ok {
			return ParseResult{}, fmt.Errorf("missing required column '%s'", required)
		}
	}

	var res ParseResult
	rowNum := 1
	for {
		if err := ctx.Err(); err != nil {
			return ParseResult{}, err
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		// Rows are numbered by the line they start on, so quoted fields
		// spanning several lines do not shift later rows.
		var perr *csv.ParseError
		switch {
		case err == nil:
			rowNum, _ = reader.FieldPos(0)
		case errors.As(err, &perr):
			rowNum = perr.StartLine
		default:
			rowNum++
		}
		res.TotalRows++
		if err != nil {
			res.Errors = append(res.Errors, RowError{Row: rowNum, Problems: []string{"malformed CSV row"}})
			continue
		}
		field := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}
		tx, problems := p.validateRow(field)
		if len(problems) > 0 {
			res.Errors = append(res.Errors, RowError{Row: rowNum, Problems: problems})
			continue
		}
		res.Transactions = append(res.Transactions, tx)
	}

	if res.TotalRows == 0 {
		return ParseResult{}, ErrNoRows
	}
	return res, nil
}

func (p *CSVParser) validateRow(field func(string) string) (envelope.Transaction, []string) {
	var problems []string

	description := field("description")
	if description == "" {
		problems = append(problems, "Description is required")
	}

	var amount decimal.Decimal
	rawAmount := field("amount")
	if rawAmount == "" {
		problems = append(problems, "Amount is required")
	} else if parsed, err := ParseAmount(rawAmount); err != nil {
		problems = append(problems, "Invalid amount format")
	} else {
		amount = parsed
	}

	txType := envelope.TransactionExpense
	switch strings.ToLower(field("transaction_type")) {
	case "expense", "debit", "payment":
		amount = amount.Abs().Neg()
	case "income", "credit", "received":
		amount = amount.Abs()
		txType = envelope.TransactionIncome
	default:
		if amount.IsPositive() {
			txType = envelope.TransactionIncome
		}
	}

	date := p.now()
	if raw := field("date"); raw != "" {
		parsed, ok := ParseDate(raw)
		if !ok {
			problems = append(problems, "Invalid date format (use YYYY-MM-DD, DD/MM/YYYY, or MM/DD/YYYY)")
		}
		date = parsed
	}

	if len(problems) > 0 {
		return envelope.Transaction{}, problems
	}

	category := NormalizeCategory(field("category"))
	if category == "" {
		category = DetectCategory(description)
	}

	return envelope.Transaction{
		Date:            date,
		Description:     description,
		Category:        category,
		Amount:          amount,
		Merchant:        field("merchant"),
		AccountType:     field("account_type"),
		TransactionType: txType,
	}, nil
}

func (p *CSVParser) now() time.Time {
	if p.Now == nil {
		return time.Now().UTC().Truncate(24 * time.Hour)
	}
	return p.Now().UTC().Truncate(24 * time.Hour)
}

// ParseAmount accepts amounts like "1,250.50", "₹300" or "Rs 99".
func ParseAmount(raw string) (decimal.Decimal, error) {
	cleaned := strings.NewReplacer(",", "", "₹", "", "Rs", "", "$", "").Replace(raw)
	return decimal.NewFromString(strings.TrimSpace(cleaned))
}

// ParseDate tries each accepted layout in order.
func ParseDate(raw string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(raw)); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
