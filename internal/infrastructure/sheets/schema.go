package sheets

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/inventory"
)

var (
	productHeaders  = []string{"productid", "product_id", "sku", "id"}
	quantityHeaders = []string{"quantity", "qty", "stock"}
)

// Schema maps the ledger's required columns to indexes within the read range.
type Schema struct {
	ProductCol  int
	QuantityCol int
}

// ResolveSchema matches header names against the known synonyms. Earlier
// synonyms win when a sheet carries more than one.
func ResolveSchema(header []any) (Schema, error) {
	names := make([]string, len(header))
	for i, h := range header {
		names[i] = strings.ToLower(strings.TrimSpace(fmt.Sprint(h)))
	}
	product := find(names, productHeaders)
	quantity := find(names, quantityHeaders)

	var missing []string
	if product < 0 {
		missing = append(missing, "product id")
	}
	if quantity < 0 {
		missing = append(missing, "quantity")
	}
	if len(missing) > 0 {
		return Schema{}, fmt.Errorf("%w: header row lacks %s column", inventory.ErrConfig, strings.Join(missing, " and "))
	}
	return Schema{ProductCol: product, QuantityCol: quantity}, nil
}

func find(names, synonyms []string) int {
	for _, want := range synonyms {
		for i, name := range names {
			if name == want {
				return i
			}
		}
	}
	return -1
}

// parseQuantity reads a quantity cell: blank is zero, anything else must be a
// non-negative integer. Numbers arrive unformatted; text cells may still carry
// thousands separators.
func parseQuantity(v any) (int, error) {
	if f, ok := v.(float64); ok {
		if f < 0 || f != math.Trunc(f) || f > math.MaxInt32 {
			return 0, fmt.Errorf("%w: quantity %v", inventory.ErrDataCorrupt, f)
		}
		return int(f), nil
	}
	s := strings.TrimSpace(cellString(v))
	if v == nil || s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.ReplaceAll(s, ",", ""))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: quantity %q", inventory.ErrDataCorrupt, s)
	}
	return n, nil
}

// cellString renders a cell the way the sheet shows it; unformatted numbers
// would otherwise print in exponent form.
func cellString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// a1Range is a parsed "Sheet!A1:G" style range.
type a1Range struct {
	sheet    string
	startCol int
	startRow int
}

func parseRange(r string) (a1Range, error) {
	sheet, cells, ok := strings.Cut(r, "!")
	if !ok || sheet == "" {
		return a1Range{}, fmt.Errorf("%w: range %q must name a sheet", inventory.ErrConfig, r)
	}
	start, _, _ := strings.Cut(cells, ":")

	letters := strings.TrimRightFunc(start, unicode.IsDigit)
	digits := start[len(letters):]
	if letters == "" {
		return a1Range{}, fmt.Errorf("%w: range %q has no start column", inventory.ErrConfig, r)
	}
	col := 0
	for _, c := range strings.ToUpper(letters) {
		if c < 'A' || c > 'Z' {
			return a1Range{}, fmt.Errorf("%w: range %q has an invalid column", inventory.ErrConfig, r)
		}
		col = col*26 + int(c-'A'+1)
	}
	row := 1
	if digits != "" {
		n, err := strconv.Atoi(digits)
		if err != nil || n < 1 {
			return a1Range{}, fmt.Errorf("%w: range %q has an invalid row", inventory.ErrConfig, r)
		}
		row = n
	}
	return a1Range{sheet: sheet, startCol: col - 1, startRow: row}, nil
}

// cell addresses the value at (col, row) offsets relative to the range start.
func (a a1Range) cell(col, row int) string {
	return fmt.Sprintf("%s!%s%d", a.sheet, columnName(a.startCol+col), a.startRow+row)
}

func columnName(idx int) string {
	name := ""
	for n := idx + 1; n > 0; n = (n - 1) / 26 {
		name = string(rune('A'+(n-1)%26)) + name
	}
	return name
}
