package warehouse

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"

	"github.com/sqp-sync/backend/pkg/apperr"
)

// Record is one result row with its column names in select order.
type Record struct {
	Columns []string
	Values  []any
}

// RawPerformanceRow is one warehouse row for (date, parent, child, search query).
type RawPerformanceRow struct {
	Date              time.Time
	EndDate           time.Time
	ParentASIN        string
	ChildASIN         string
	SearchQuery       string
	SearchQueryScore  float64
	SearchQueryVolume int64

	Impressions int64
	Clicks      int64
	CartAdds    int64
	Purchases   int64

	TotalImpressions int64
	TotalClicks      int64
	TotalCartAdds    int64
	TotalPurchases   int64

	ImpressionShare float64
	ClickShare      float64
	CartAddShare    float64
	PurchaseShare   float64
}

// EntityID is the parent id, falling back to the child id.
func (r RawPerformanceRow) EntityID() string {
	if r.ParentASIN != "" {
		return r.ParentASIN
	}
	return r.ChildASIN
}

// Period returns the row's reporting window. A missing end date is derived
// from periodDays.
func (r RawPerformanceRow) Period(periodDays int) (time.Time, time.Time) {
	start := dateOnly(r.Date)
	if !r.EndDate.IsZero() {
		return start, dateOnly(r.EndDate)
	}
	if periodDays <= 0 {
		periodDays = 1
	}
	return start, start.AddDate(0, 0, periodDays-1)
}

type field int

const (
	fDate field = iota
	fEndDate
	fParentASIN
	fChildASIN
	fSearchQuery
	fScore
	fVolume
	fImpressions
	fClicks
	fCartAdds
	fPurchases
	fTotalImpressions
	fTotalClicks
	fTotalCartAdds
	fTotalPurchases
	fImpressionShare
	fClickShare
	fCartAddShare
	fPurchaseShare
)

var fieldNames = map[field]string{
	fDate: "Date", fEndDate: "EndDate", fParentASIN: "ParentASIN", fChildASIN: "ChildASIN",
	fSearchQuery: "SearchQuery", fScore: "SearchQueryScore", fVolume: "SearchQueryVolume",
	fImpressions: "Impressions", fClicks: "Clicks", fCartAdds: "CartAdds", fPurchases: "Purchases",
	fTotalImpressions: "TotalImpressions", fTotalClicks: "TotalClicks",
	fTotalCartAdds: "TotalCartAdds", fTotalPurchases: "TotalPurchases",
	fImpressionShare: "ImpressionShare", fClickShare: "ClickShare",
	fCartAddShare: "CartAddShare", fPurchaseShare: "PurchaseShare",
}

// aliases maps normalized column names onto fields. Normalization lowercases
// and drops everything but letters and digits.
var aliases = map[string]field{
	"date": fDate, "startdate": fDate, "weekstartdate": fDate,
	"enddate": fEndDate, "weekenddate": fEndDate,
	"parentasin": fParentASIN, "asin": fParentASIN,
	"childasin": fChildASIN,
	"searchquery": fSearchQuery, "query": fSearchQuery, "keyword": fSearchQuery,
	"searchqueryscore": fScore,
	"searchqueryvolume": fVolume,

	"asinimpressioncount": fImpressions, "impressions": fImpressions, "impressioncount": fImpressions,
	"asinclickcount": fClicks, "clicks": fClicks, "clickcount": fClicks,
	"asincartaddcount": fCartAdds, "cartadds": fCartAdds, "cartaddcount": fCartAdds,
	"asinpurchasecount": fPurchases, "purchases": fPurchases, "purchasecount": fPurchases,

	"totalqueryimpressioncount": fTotalImpressions, "totalimpressions": fTotalImpressions, "totalimpressioncount": fTotalImpressions,
	"totalclickcount": fTotalClicks, "totalclicks": fTotalClicks,
	"totalcartaddcount": fTotalCartAdds, "totalcartadds": fTotalCartAdds,
	"totalpurchasecount": fTotalPurchases, "totalpurchases": fTotalPurchases,

	"asinimpressionshare": fImpressionShare, "impressionshare": fImpressionShare,
	"asinclickshare": fClickShare, "clickshare": fClickShare,
	"asincartaddshare": fCartAddShare, "cartaddshare": fCartAddShare,
	"asinpurchaseshare": fPurchaseShare, "purchaseshare": fPurchaseShare,
}

func normalize(column string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(column) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Decode maps a record onto a RawPerformanceRow. Unknown columns are ignored;
// two columns resolving to the same field return a DuplicateFieldError.
func Decode(rec Record) (RawPerformanceRow, error) {
	var row RawPerformanceRow
	if len(rec.Columns) != len(rec.Values) {
		return row, fmt.Errorf("record has %d columns but %d values", len(rec.Columns), len(rec.Values))
	}

	seen := make(map[field]string, len(rec.Columns))
	for i, col := range rec.Columns {
		f, ok := aliases[normalize(col)]
		if !ok {
			continue
		}
		if prev, dup := seen[f]; dup {
			return row, &apperr.DuplicateFieldError{Field: fieldNames[f], Columns: []string{prev, col}}
		}
		seen[f] = col

		if err := row.set(f, rec.Values[i]); err != nil {
			return row, fmt.Errorf("column %q: %w", col, err)
		}
	}

	if row.Date.IsZero() {
		return row, fmt.Errorf("row has no date")
	}
	return row, nil
}

func (r *RawPerformanceRow) set(f field, v any) error {
	var err error
	switch f {
	case fDate:
		r.Date, err = ToDate(v)
	case fEndDate:
		r.EndDate, err = ToDate(v)
	case fParentASIN:
		r.ParentASIN, err = toString(v)
	case fChildASIN:
		r.ChildASIN, err = toString(v)
	case fSearchQuery:
		r.SearchQuery, err = toString(v)
	case fScore:
		r.SearchQueryScore, err = toFloat(v)
	case fVolume:
		r.SearchQueryVolume, err = toInt(v)
	case fImpressions:
		r.Impressions, err = toInt(v)
	case fClicks:
		r.Clicks, err = toInt(v)
	case fCartAdds:
		r.CartAdds, err = toInt(v)
	case fPurchases:
		r.Purchases, err = toInt(v)
	case fTotalImpressions:
		r.TotalImpressions, err = toInt(v)
	case fTotalClicks:
		r.TotalClicks, err = toInt(v)
	case fTotalCartAdds:
		r.TotalCartAdds, err = toInt(v)
	case fTotalPurchases:
		r.TotalPurchases, err = toInt(v)
	case fImpressionShare:
		r.ImpressionShare, err = toFloat(v)
	case fClickShare:
		r.ClickShare, err = toFloat(v)
	case fCartAddShare:
		r.CartAddShare, err = toFloat(v)
	case fPurchaseShare:
		r.PurchaseShare, err = toFloat(v)
	}
	return err
}

// DateParam converts a day into the BigQuery DATE parameter type.
func DateParam(t time.Time) civil.Date {
	return civil.DateOf(t)
}

// ToDate unwraps the date shapes returned by warehouse drivers. A nil or
// null value yields the zero time.
func ToDate(v any) (time.Time, error) {
	switch d := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return dateOnly(d), nil
	case *time.Time:
		if d == nil {
			return time.Time{}, nil
		}
		return dateOnly(*d), nil
	case civil.Date:
		return d.In(time.UTC), nil
	case civil.DateTime:
		return d.Date.In(time.UTC), nil
	case bigquery.NullDate:
		if !d.Valid {
			return time.Time{}, nil
		}
		return d.Date.In(time.UTC), nil
	case bigquery.NullTimestamp:
		if !d.Valid {
			return time.Time{}, nil
		}
		return dateOnly(d.Timestamp), nil
	case bigquery.NullDateTime:
		if !d.Valid {
			return time.Time{}, nil
		}
		return d.DateTime.Date.In(time.UTC), nil
	case string:
		return parseDate(d)
	case []byte:
		return parseDate(string(d))
	case map[string]any:
		inner, ok := d["value"]
		if !ok {
			return time.Time{}, fmt.Errorf("date object has no value key")
		}
		return ToDate(inner)
	default:
		return time.Time{}, fmt.Errorf("unsupported date type %T", v)
	}
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return dateOnly(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

func dateOnly(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func toString(v any) (string, error) {
	switch s := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(s), nil
	case *string:
		if s == nil {
			return "", nil
		}
		return strings.TrimSpace(*s), nil
	case []byte:
		return strings.TrimSpace(string(s)), nil
	case bigquery.NullString:
		return strings.TrimSpace(s.StringVal), nil
	case fmt.Stringer:
		return s.String(), nil
	default:
		return "", fmt.Errorf("unsupported string type %T", v)
	}
}

func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case *int64:
		if n == nil {
			return 0, nil
		}
		return *n, nil
	case float64, float32, *big.Rat, json.Number, string, []byte, bigquery.NullFloat64:
		f, err := toFloat(v)
		return int64(f), err
	case bigquery.NullInt64:
		return n.Int64, nil
	default:
		return 0, fmt.Errorf("unsupported integer type %T", v)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case *float64:
		if n == nil {
			return 0, nil
		}
		return *n, nil
	case *big.Rat:
		if n == nil {
			return 0, nil
		}
		f, _ := n.Float64()
		return f, nil
	case json.Number:
		return n.Float64()
	case string:
		return parseNumber(n)
	case []byte:
		return parseNumber(string(n))
	case bigquery.NullFloat64:
		return n.Float64, nil
	case bigquery.NullInt64:
		return float64(n.Int64), nil
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}

func parseNumber(s string) (float64, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}
