package services

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/codemarcinu/new-egents/internal/models"
)

// ReceiptParser is the deterministic fallback: line patterns over
// quantity x price = total triples on Polish and English receipts.
type ReceiptParser struct {
	defaultCurrency string
	linePatterns    []linePattern
	excludePatterns []*regexp.Regexp
	datePatterns    []*regexp.Regexp
	totalPatterns   []*regexp.Regexp
	storePatterns   []*regexp.Regexp
	spaceRe         *regexp.Regexp
}

// linePattern captures name, quantity, unit price and line total by
// submatch index; 0 means the group is absent.
type linePattern struct {
	re    *regexp.Regexp
	name  int
	qty   int
	price int
	total int
}

const amountPattern = `(\d{1,5}[.,]\d{2})`

// NewReceiptParser creates a new receipt parser
func NewReceiptParser(defaultCurrency string) *ReceiptParser {
	if defaultCurrency == "" {
		defaultCurrency = "PLN"
	}
	return &ReceiptParser{
		defaultCurrency: strings.ToUpper(defaultCurrency),
		linePatterns: []linePattern{
			// MLEKO 2% 1L   2 x3,49   6,98 C  /  Chleb 1 szt. * 4,99 = 4,99 A
			{re: regexp.MustCompile(`^(.+?)\s+(\d+(?:[.,]\d{1,3})?)\s*(?:szt\.?|kg|pcs|l)?\s*[xX*×]\s*` + amountPattern + `\s*=?\s*` + amountPattern + `\s*[A-Ga-g]?$`), name: 1, qty: 2, price: 3, total: 4},
			// BANANY 0,542 kg @ 5,99
			{re: regexp.MustCompile(`^(.+?)\s+(\d+(?:[.,]\d{1,3})?)\s*(?:szt\.?|kg|lb|pcs)?\s*@\s*\$?` + amountPattern + `\s*(?:EA|EACH)?\s*[A-Ga-g]?$`), name: 1, qty: 2, price: 3},
			// 2 x JOGURT NATURALNY 5,98
			{re: regexp.MustCompile(`^(\d+)\s*[xX*]\s*(.+?)\s+\$?` + amountPattern + `\s*[A-Ga-g]?$`), name: 2, qty: 1, total: 3},
			// NAME 5901234123457 3,02 F
			{re: regexp.MustCompile(`^(.+?)\s+\d{8,14}\s+\$?` + amountPattern + `\s*[A-GNT]?$`), name: 1, total: 2},
			// NAME    4,99 A
			{re: regexp.MustCompile(`^(.+?)\s+\$?` + amountPattern + `\s*(?:zł|zl|pln|PLN|€|EUR)?\s*[A-GNT]?$`), name: 1, total: 2},
		},
		excludePatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)^\s*(SUMA|RAZEM|DO\s*ZAP[ŁL]ATY|PTU|VAT|SPRZEDA[ŻZ]|GOT[ÓO]WKA|KARTA|RESZTA|RABAT|OPUST|NIP|PARAGON|KASJER|KASA|NR|WP[ŁL]ATA|WYDANO|TAX|SUBTOTAL|SUB\s*TOTAL|TOTAL|GRAND\s*TOTAL|BALANCE|CHANGE|CASH|CREDIT|DEBIT|CARD|VISA|MASTERCARD|SAVINGS|DISCOUNT|COUPON|THANK\s*YOU|DZI[ĘE]KUJEMY|CASHIER|RECEIPT|REFUND|VOID|PAID)(?:[^\p{L}]|$)`),
			regexp.MustCompile(`^\s*[-=*#_]+\s*$`),
			regexp.MustCompile(`^\s*\d{1,4}[./-]\d{1,2}[./-]\d{1,4}\s*(\d{1,2}:\d{2}(:\d{2})?)?\s*$`),
			regexp.MustCompile(`^\s*\d{1,2}:\d{2}(:\d{2})?\s*(AM|PM)?\s*$`),
			// weight detail lines printed under an item
			regexp.MustCompile(`(?i)^\s*\d+[.,]?\d*\s*(kg|g|lb|oz|szt\.?)\s*[x*@]\s*\d+[.,]\d{2}\s*(/\s*(kg|lb|szt))?\s*$`),
		},
		datePatterns: []*regexp.Regexp{
			regexp.MustCompile(`(\d{4})[./-](\d{1,2})[./-](\d{1,2})`),
			regexp.MustCompile(`(\d{1,2})[./-](\d{1,2})[./-](\d{2,4})`),
		},
		totalPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(?:SUMA(?:\s+PLN)?|RAZEM|DO\s*ZAP[ŁL]ATY|GRAND\s*TOTAL|BALANCE\s*DUE|AMOUNT\s*DUE|TOTAL)\s*:?\s*(?:PLN|ZŁ|EUR|USD|\$|€|£)?\s*` + amountPattern),
		},
		storePatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(biedronka|kaufland|carrefour|tesco|auchan|lidl|żabka|zabka|aldi|netto|dino|lewiatan|stokrotka|rossmann)\b`),
			regexp.MustCompile(`(?i)([A-ZĄĆĘŁŃÓŚŹŻ][\wąćęłńóśźż .&-]+?\s(?:sp\.\s*z\s*o\.\s*o\.|s\.a\.|spółka))`),
		},
		spaceRe: regexp.MustCompile(`\s+`),
	}
}

// Parse never fails; an empty Items slice means nothing was recognised.
func (p *ReceiptParser) Parse(ocrText string) *models.ParsedReceipt {
	lines := strings.Split(ocrText, "\n")
	result := &models.ParsedReceipt{
		SchemaVersion: models.ParsedReceiptSchemaVersion,
		Source:        models.ParseSourceFallback,
		Currency:      p.detectCurrency(ocrText),
		Items:         []models.ParsedLineItem{},
	}

	result.StoreName = p.extractStore(lines)
	result.PurchaseDate = p.extractDate(lines)
	result.Total = p.extractTotal(lines)

	for _, line := range lines {
		line = p.cleanLine(line)
		if line == "" || p.shouldExclude(line) {
			continue
		}
		if item := p.parseLine(line); item != nil {
			result.Items = append(result.Items, *item)
		}
	}
	return result
}

func (p *ReceiptParser) parseLine(line string) *models.ParsedLineItem {
	for _, lp := range p.linePatterns {
		m := lp.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		name := p.cleanItemName(m[lp.name])
		if name == "" || !containsLetter(name) {
			continue
		}

		qty := decimal.NewFromInt(1)
		if lp.qty > 0 {
			q, err := parseAmount(m[lp.qty])
			if err != nil || !q.IsPositive() {
				continue
			}
			qty = q
		}

		var price, total decimal.Decimal
		var err error
		switch {
		case lp.price > 0 && lp.total > 0:
			if price, err = parseAmount(m[lp.price]); err != nil {
				continue
			}
			if total, err = parseAmount(m[lp.total]); err != nil {
				continue
			}
			// trust the printed total when the triple does not reconcile
			if qty.Mul(price).Sub(total).Abs().GreaterThan(decimal.NewFromFloat(0.05)) {
				price = total.DivRound(qty, 2)
			}
		case lp.price > 0:
			if price, err = parseAmount(m[lp.price]); err != nil {
				continue
			}
			total = qty.Mul(price).Round(2)
		default:
			if total, err = parseAmount(m[lp.total]); err != nil {
				continue
			}
			price = total.DivRound(qty, 2)
		}

		// skip amounts that look like phone numbers or codes
		if !total.IsPositive() || total.GreaterThan(decimal.NewFromInt(99999)) {
			continue
		}

		return &models.ParsedLineItem{
			Name:      name,
			Quantity:  qty,
			UnitPrice: price,
			LineTotal: total,
			RawText:   line,
		}
	}
	return nil
}

func (p *ReceiptParser) shouldExclude(line string) bool {
	for _, pattern := range p.excludePatterns {
		if pattern.MatchString(line) {
			return true
		}
	}
	return false
}

func (p *ReceiptParser) cleanLine(line string) string {
	line = strings.ReplaceAll(line, "|", "")
	line = strings.ReplaceAll(line, "\\", "")
	line = p.spaceRe.ReplaceAllString(line, " ")
	return strings.TrimSpace(line)
}

func (p *ReceiptParser) cleanItemName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimRight(name, ".,;:-_*=")
	for _, prefix := range []string{"@", "#", "*"} {
		name = strings.TrimPrefix(name, prefix)
	}
	return strings.TrimSpace(name)
}

func (p *ReceiptParser) extractStore(lines []string) *string {
	text := strings.Join(lines, "\n")
	for _, pattern := range p.storePatterns {
		if m := pattern.FindStringSubmatch(text); m != nil {
			name := strings.TrimSpace(m[1])
			if strings.ToLower(name) == name {
				name = titleCase(name)
			}
			return &name
		}
	}
	// first line that reads like a header
	for _, line := range lines {
		line = p.cleanLine(line)
		if len([]rune(line)) < 3 || p.shouldExclude(line) || !containsLetter(line) {
			continue
		}
		if p.parseLine(line) != nil {
			break
		}
		return &line
	}
	return nil
}

// extractDate reads day-first dates, the order used on Polish receipts,
// and ISO dates.
func (p *ReceiptParser) extractDate(lines []string) *time.Time {
	for _, line := range lines {
		if m := p.datePatterns[0].FindStringSubmatch(line); m != nil {
			if d, ok := makeDate(m[1], m[2], m[3]); ok {
				return &d
			}
		}
		if m := p.datePatterns[1].FindStringSubmatch(line); m != nil {
			day, month := m[1], m[2]
			if a, _ := strconv.Atoi(month); a > 12 {
				day, month = month, day
			}
			if d, ok := makeDate(m[3], month, day); ok {
				return &d
			}
		}
	}
	return nil
}

func makeDate(ys, ms, ds string) (time.Time, bool) {
	year, err1 := strconv.Atoi(ys)
	month, err2 := strconv.Atoi(ms)
	day, err3 := strconv.Atoi(ds)
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, false
	}
	if year < 100 {
		year += 2000
	}
	if month < 1 || month > 12 || day < 1 || day > 31 || year < 1990 || year > 2100 {
		return time.Time{}, false
	}
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if d.Day() != day {
		return time.Time{}, false
	}
	return d, true
}

// extractTotal searches from the bottom of the receipt
func (p *ReceiptParser) extractTotal(lines []string) *decimal.Decimal {
	for i := len(lines) - 1; i >= 0; i-- {
		for _, pattern := range p.totalPatterns {
			m := pattern.FindStringSubmatch(lines[i])
			if len(m) < 2 {
				continue
			}
			if total, err := parseAmount(m[1]); err == nil && total.IsPositive() {
				return &total
			}
		}
	}
	return nil
}

func (p *ReceiptParser) detectCurrency(text string) string {
	upper := strings.ToUpper(text)
	switch {
	case strings.Contains(upper, "EUR") || strings.Contains(text, "€"):
		return "EUR"
	case strings.Contains(upper, "USD") || strings.Contains(text, "$"):
		return "USD"
	case strings.Contains(upper, "GBP") || strings.Contains(text, "£"):
		return "GBP"
	case strings.Contains(upper, "PLN") || strings.Contains(upper, "ZŁ"):
		return "PLN"
	}
	return p.defaultCurrency
}

// parseAmount reads "3,49" and "3.49" alike.
func parseAmount(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(s), ",", "."))
}

func containsLetter(s string) bool {
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r > 127 {
			return true
		}
	}
	return false
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		r[0] = []rune(strings.ToUpper(string(r[0])))[0]
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
