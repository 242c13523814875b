// Package ledger decodes transfer records from CSV uploads and JSON
// payloads into domain.Transfer values.
package ledger

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// JSON decodes ledger documents. Numbers arrive as json.Number so account
// ids keep every digit they were sent with.
var JSON = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

const utf8BOM = "\ufeff"

// RecordFunc receives each decoded transfer together with any extra
// columns that were requested.
type RecordFunc func(t domain.Transfer, extra map[string]string) error

// ParseCSV decodes a whole CSV ledger. The header row must name every
// required column; other columns are ignored.
func ParseCSV(r io.Reader) ([]domain.Transfer, error) {
	var out []domain.Transfer
	err := ReadCSV(r, func(t domain.Transfer, _ map[string]string) error {
		out = append(out, t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadCSV streams a CSV ledger through fn in input order. Columns named
// in extra are passed to fn when present in the header.
func ReadCSV(r io.Reader, fn RecordFunc, extra ...string) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return &domain.ParseError{Reason: "empty ledger: missing header row"}
	}
	if err != nil {
		return &domain.ParseError{Reason: fmt.Sprintf("reading header: %v", err)}
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		if i == 0 {
			name = strings.TrimPrefix(name, utf8BOM)
		}
		index[strings.TrimSpace(name)] = i
	}
	for _, field := range domain.RequiredFields {
		if _, ok := index[field]; !ok {
			return &domain.ParseError{Field: field, Reason: fmt.Sprintf("missing required column %q", field)}
		}
	}

	record := 0
	for {
		row, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		record++
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				return &domain.ParseError{Record: record, Reason: perr.Err.Error()}
			}
			return fmt.Errorf("reading ledger: %w", err)
		}
		if isBlank(row) {
			record--
			continue
		}

		get := func(field string) (string, bool) {
			i := index[field]
			if i >= len(row) {
				return "", false
			}
			v := strings.TrimSpace(row[i])
			return v, v != ""
		}

		var values [4]string
		for k, field := range domain.RequiredFields {
			v, ok := get(field)
			if !ok {
				return &domain.ParseError{Record: record, Field: field, Reason: "missing value"}
			}
			values[k] = v
		}

		amount, err := parseAmount(values[2])
		if err != nil {
			return &domain.ParseError{Record: record, Field: domain.FieldAmount, Value: values[2], Reason: err.Error()}
		}

		var extras map[string]string
		if len(extra) > 0 {
			extras = make(map[string]string, len(extra))
			for _, name := range extra {
				if i, ok := index[name]; ok && i < len(row) {
					extras[name] = strings.TrimSpace(row[i])
				}
			}
		}

		t := domain.Transfer{
			SenderID:   values[0],
			ReceiverID: values[1],
			Amount:     amount,
			Timestamp:  values[3],
		}
		if err := fn(t, extras); err != nil {
			return err
		}
	}
}

// FromRaw coerces client-supplied JSON records. Numeric ids are rendered
// in their shortest decimal form; amounts may be numbers or numeric strings.
func FromRaw(raw []domain.RawTransfer) ([]domain.Transfer, error) {
	out := make([]domain.Transfer, 0, len(raw))
	for i, r := range raw {
		record := i + 1

		sender, ok := coerceString(r.SenderID)
		if !ok {
			return nil, &domain.ParseError{Record: record, Field: domain.FieldSenderID, Reason: "missing value"}
		}
		receiver, ok := coerceString(r.ReceiverID)
		if !ok {
			return nil, &domain.ParseError{Record: record, Field: domain.FieldReceiverID, Reason: "missing value"}
		}
		ts, ok := coerceString(r.Timestamp)
		if !ok {
			return nil, &domain.ParseError{Record: record, Field: domain.FieldTimestamp, Reason: "missing value"}
		}
		amount, err := coerceAmount(r.Amount)
		if err != nil {
			return nil, &domain.ParseError{Record: record, Field: domain.FieldAmount, Value: fmt.Sprint(r.Amount), Reason: err.Error()}
		}

		out = append(out, domain.Transfer{
			SenderID:   sender,
			ReceiverID: receiver,
			Amount:     amount,
			Timestamp:  ts,
		})
	}
	return out, nil
}

func coerceString(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		s := strings.TrimSpace(x)
		return s, s != ""
	case json.Number:
		return x.String(), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case bool:
		return strconv.FormatBool(x), true
	default:
		return fmt.Sprint(x), true
	}
}

func coerceAmount(v any) (float64, error) {
	switch x := v.(type) {
	case nil:
		return 0, errors.New("missing value")
	case float64:
		return checkFinite(x)
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return parseAmount(x.String())
	case string:
		if strings.TrimSpace(x) == "" {
			return 0, errors.New("missing value")
		}
		return parseAmount(x)
	default:
		return 0, errors.New("amount is not numeric")
	}
}

func parseAmount(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, errors.New("amount is not numeric")
	}
	return checkFinite(f)
}

func checkFinite(f float64) (float64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("amount is not finite")
	}
	return f, nil
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
