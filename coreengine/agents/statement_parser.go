package agents

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/ledger"
)

// Row errors quoted in the summary; the rest are counted.
const maxQuotedRowErrors = 3

// StatementResult is the parsed statement attached to a turn.
type StatementResult struct {
	Transactions []envelope.Transaction `json:"transactions"`
	RowErrors    []ledger.RowError      `json:"row_errors"`
	TotalRows    int                    `json:"total_rows"`
}

// Parsed returns the number of rows that became transactions.
func (r StatementResult) Parsed() int {
	return len(r.Transactions)
}

// Summary implements envelope.Section.
func (r StatementResult) Summary() string {
	msg := fmt.Sprintf("Parsed %d of %d statement rows.", r.Parsed(), r.TotalRows)
	if len(r.RowErrors) == 0 {
		return msg
	}
	quoted := make([]string, 0, maxQuotedRowErrors)
	for i, e := range r.RowErrors {
		if i == maxQuotedRowErrors {
			break
		}
		quoted = append(quoted, e.Error())
	}
	msg += fmt.Sprintf(" Skipped %d rows with errors: %s", len(r.RowErrors), strings.Join(quoted, "; "))
	if extra := len(r.RowErrors) - len(quoted); extra > 0 {
		msg += fmt.Sprintf(" (and %d more)", extra)
	}
	return msg + "."
}

// Suggestions implements envelope.Suggester.
func (r StatementResult) Suggestions() []string {
	if len(r.RowErrors) == 0 {
		return nil
	}
	return []string{"Fix the skipped rows and upload the statement again"}
}

// StatementParser parses the statement attached to the turn.
type StatementParser struct {
	parser TabularParser
}

// NewStatementParser creates the node around a tabular parser.
func NewStatementParser(parser TabularParser) *StatementParser {
	return &StatementParser{parser: parser}
}

// ID implements Node.
func (*StatementParser) ID() envelope.NodeID { return envelope.NodeStatementParser }

// Run implements Node. A file that cannot be read at all fails the node; bad
// rows do not.
func (n *StatementParser) Run(ctx context.Context, view envelope.View) (envelope.Contribution, error) {
	if len(view.Statement) == 0 {
		return envelope.Contribution{}, fmt.Errorf("no statement attached")
	}
	parsed, err := n.parser.Parse(ctx, bytes.NewReader(view.Statement))
	if err != nil {
		return envelope.Contribution{}, fmt.Errorf("parse statement: %w", err)
	}
	return envelope.Contribution{Output: StatementResult{
		Transactions: parsed.Transactions,
		RowErrors:    parsed.Errors,
		TotalRows:    parsed.TotalRows,
	}}, nil
}
