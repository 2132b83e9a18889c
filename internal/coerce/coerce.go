// Package coerce converts raw spreadsheet cell values into normalized
// values for a declared destination column type. Coercion never panics
// and never aborts a sheet: an unparseable value degrades to nil with a
// typed error the caller counts and logs.
package coerce

import (
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/servicing-import/internal/model"
)

// Spreadsheet serial dates count days since 1899-12-30.
var serialEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

// Options tunes per-column coercion behavior.
type Options struct {
	// SerialDateMin is the smallest numeric value treated as a
	// spreadsheet serial date. Defaults to the serial for 1970-01-01.
	SerialDateMin float64
	// SerialDateMax bounds the serial-date heuristic. Values at or above
	// it are treated as plain numbers. Defaults to 100000 (year 2173).
	SerialDateMax float64
	// DisableSerialDates turns the serial heuristic off entirely for
	// columns known to hold genuine numeric measurements.
	DisableSerialDates bool
}

// DefaultOptions returns the serial-date window used when a mapping
// template does not override it.
func DefaultOptions() Options {
	return Options{SerialDateMin: 25569, SerialDateMax: 100000}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SerialDateMin == 0 {
		o.SerialDateMin = d.SerialDateMin
	}
	if o.SerialDateMax == 0 {
		o.SerialDateMax = d.SerialDateMax
	}
	return o
}

// Error is a cell-level coercion failure. It carries the column and the
// original value for diagnostics; callers absorb it into failure counts.
type Error struct {
	Column string
	Value  string
	Type   model.ColumnType
	cause  error
}

func (e *Error) Error() string {
	return "coerce: column " + e.Column + ": cannot convert " + strconv.Quote(e.Value) + " to " + string(e.Type)
}

func (e *Error) Unwrap() error { return e.cause }

// dateLayouts are tried in order when parsing string dates.
var dateLayouts = []string{
	"2006-01-02",
	"1/2/2006",
	"01/02/2006",
	"1-2-2006",
	"2006/01/02",
	"Jan 2, 2006",
	"2 Jan 2006",
	"20060102",
}

// timestampLayouts are tried in order when parsing string timestamps.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"1/2/2006 15:04:05",
	"1/2/2006 3:04:05 PM",
	"1/2/2006 15:04",
}

// Coerce converts a raw cell value to the target type using the default
// serial-date window.
func Coerce(raw string, target model.ColumnType, column string) (any, error) {
	return CoerceWith(raw, target, column, DefaultOptions())
}

// CoerceWith converts a raw cell value to the target type. A nil result
// with a nil error means the cell was empty; a nil result with an
// *Error means the value was unparseable and the cell degrades to NULL.
func CoerceWith(raw string, target model.ColumnType, column string, opts Options) (any, error) {
	opts = opts.withDefaults()

	s := preprocess(raw)
	if s == "" {
		return nil, nil
	}

	var (
		v   any
		err error
	)
	switch target {
	case model.TypeNumeric:
		v, err = coerceNumeric(s)
	case model.TypeInteger:
		v, err = coerceInteger(s)
	case model.TypeBoolean:
		v, err = coerceBool(s)
	case model.TypeDate:
		v, err = coerceDate(s, opts)
	case model.TypeTimestamp:
		v, err = coerceTimestamp(s, opts)
	case model.TypeJSONB, model.TypeText:
		return s, nil
	default:
		return s, nil
	}

	if err != nil {
		cerr := &Error{Column: column, Value: raw, Type: target, cause: err}
		zap.L().Debug("coercion failed",
			zap.String("column", column),
			zap.String("value", raw),
			zap.String("target_type", string(target)),
		)
		return nil, cerr
	}
	return v, nil
}

// preprocess trims whitespace and strips a single pair of matching
// leading/trailing quotes. Spreadsheet exports frequently wrap numeric
// values in quotes to defeat Excel's own coercion.
func preprocess(raw string) string {
	s := strings.TrimSpace(raw)
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if first == last && (first == '"' || first == '\'') {
			s = strings.TrimSpace(s[1 : len(s)-1])
		}
	}
	return s
}

// stripNumeric removes currency symbols, thousands separators, and
// interior whitespace ahead of decimal parsing.
func stripNumeric(s string) string {
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}
	s = strings.NewReplacer("$", "", "€", "", "£", "", ",", "", " ", "", "%", "").Replace(s)
	if neg && !strings.HasPrefix(s, "-") {
		s = "-" + s
	}
	return s
}

func coerceNumeric(s string) (any, error) {
	d, err := decimal.NewFromString(stripNumeric(s))
	if err != nil {
		return nil, eris.Wrap(err, "coerce: parse decimal")
	}
	return d, nil
}

func coerceInteger(s string) (any, error) {
	cleaned := stripNumeric(s)
	if n, err := strconv.ParseInt(cleaned, 10, 64); err == nil {
		return n, nil
	}
	// Excel often renders integers as "123.0".
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return nil, eris.Wrap(err, "coerce: parse integer")
	}
	if !d.IsInteger() {
		return nil, eris.Errorf("coerce: %s has a fractional part", s)
	}
	return d.IntPart(), nil
}

func coerceBool(s string) (any, error) {
	switch strings.ToLower(s) {
	case "true", "t", "yes", "y", "1":
		return true, nil
	case "false", "f", "no", "n", "0":
		return false, nil
	}
	return nil, eris.Errorf("coerce: %q is not a boolean", s)
}

// serialToTime converts a spreadsheet serial value to a UTC time.
func serialToTime(serial float64) time.Time {
	days := int(serial)
	frac := serial - float64(days)
	t := serialEpoch.AddDate(0, 0, days)
	if frac > 0 {
		t = t.Add(time.Duration(frac * float64(24*time.Hour)))
	}
	return t
}

// coerceDate returns a date-only string (YYYY-MM-DD). Destination date
// columns must never receive a combined date-time value.
func coerceDate(s string, opts Options) (any, error) {
	if f, err := strconv.ParseFloat(stripNumeric(s), 64); err == nil {
		if !opts.DisableSerialDates && f > opts.SerialDateMin && f < opts.SerialDateMax {
			return serialToTime(f).Format("2006-01-02"), nil
		}
		return nil, eris.Errorf("coerce: numeric value %s outside serial-date range", s)
	}

	for _, layout := range append(dateLayouts, timestampLayouts...) {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return nil, eris.Errorf("coerce: %q is not a date", s)
}

// coerceTimestamp returns a full-precision UTC time.
func coerceTimestamp(s string, opts Options) (any, error) {
	if f, err := strconv.ParseFloat(stripNumeric(s), 64); err == nil {
		if !opts.DisableSerialDates && f > opts.SerialDateMin && f < opts.SerialDateMax {
			return serialToTime(f), nil
		}
		return nil, eris.Errorf("coerce: numeric value %s outside serial-date range", s)
	}

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return nil, eris.Errorf("coerce: %q is not a timestamp", s)
}
