package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemarcinu/new-egents/internal/logger"
	"github.com/codemarcinu/new-egents/internal/models"
)

const polishReceipt = `BIEDRONKA
Jeronimo Martins Polska S.A.
2024-03-15 14:22
Milk 2 x 3,50 7,00 C
Bread 1 x 2,99 2,99 A
SUMA PLN 9,99
KARTA 9,99`

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestReceiptParserPolishTriples(t *testing.T) {
	parsed := NewReceiptParser("PLN").Parse(polishReceipt)

	require.Len(t, parsed.Items, 2)
	assert.Equal(t, models.ParseSourceFallback, parsed.Source)
	assert.Equal(t, "PLN", parsed.Currency)

	milk := parsed.Items[0]
	assert.Equal(t, "Milk", milk.Name)
	assert.True(t, milk.Quantity.Equal(dec("2")), milk.Quantity.String())
	assert.True(t, milk.UnitPrice.Equal(dec("3.50")), milk.UnitPrice.String())
	assert.True(t, milk.LineTotal.Equal(dec("7.00")), milk.LineTotal.String())
	assert.Equal(t, "Bread", parsed.Items[1].Name)

	require.NotNil(t, parsed.Total)
	assert.True(t, parsed.Total.Equal(dec("9.99")))
	require.NotNil(t, parsed.StoreName)
	assert.Equal(t, "BIEDRONKA", *parsed.StoreName)
	require.NotNil(t, parsed.PurchaseDate)
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), *parsed.PurchaseDate)
	assert.False(t, TotalsDisagree(parsed, 0.05))
}

func TestReceiptParserLineShapes(t *testing.T) {
	p := NewReceiptParser("")
	cases := []struct {
		line  string
		name  string
		qty   string
		price string
		total string
	}{
		{line: "MLEKO 2% 1L 2 x3,49 6,98 C", name: "MLEKO 2% 1L", qty: "2", price: "3.49", total: "6.98"},
		{line: "BANANY 0,542 kg @ 5,99", name: "BANANY", qty: "0.542", price: "5.99", total: "3.25"},
		{line: "2 x JOGURT NATURALNY 5,98", name: "JOGURT NATURALNY", qty: "2", price: "2.99", total: "5.98"},
		{line: "MILK WHOLE GALL 00015700146019 3.02 F", name: "MILK WHOLE GALL", qty: "1", price: "3.02", total: "3.02"},
		{line: "Chleb zytni 4,99 A", name: "Chleb zytni", qty: "1", price: "4.99", total: "4.99"},
		// printed total wins over an inconsistent unit price
		{line: "Ser 2 x 9,99 15,00 B", name: "Ser", qty: "2", price: "7.50", total: "15.00"},
	}
	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			item := p.parseLine(p.cleanLine(tc.line))
			require.NotNil(t, item)
			assert.Equal(t, tc.name, item.Name)
			assert.True(t, item.Quantity.Equal(dec(tc.qty)), "qty %s", item.Quantity)
			assert.True(t, item.UnitPrice.Equal(dec(tc.price)), "price %s", item.UnitPrice)
			assert.True(t, item.LineTotal.Equal(dec(tc.total)), "total %s", item.LineTotal)
		})
	}
}

func TestReceiptParserSkipsSummaryLines(t *testing.T) {
	p := NewReceiptParser("")
	for _, line := range []string{"SUMA PLN 12,00", "PTU A 23% 1,12", "Reszta 0,00", "TOTAL 4.50", "-----", "15.03.2024"} {
		assert.True(t, p.shouldExclude(p.cleanLine(line)), line)
	}
	assert.False(t, p.shouldExclude("Cashew nuts 9,99"))
}

func TestReceiptParserCurrencyAndDate(t *testing.T) {
	p := NewReceiptParser("PLN")

	eur := p.Parse("Shop\nApples 1,20 EUR\nTOTAL 1,20 EUR\n15.03.2024")
	assert.Equal(t, "EUR", eur.Currency)
	require.NotNil(t, eur.PurchaseDate)
	assert.Equal(t, time.March, eur.PurchaseDate.Month())
	assert.Equal(t, 15, eur.PurchaseDate.Day())

	plain := p.Parse("Apples 1,20")
	assert.Equal(t, "PLN", plain.Currency)
	assert.Nil(t, plain.PurchaseDate)
}

type fakeModel struct {
	parsed *models.ParsedReceipt
	err    error
	calls  int
}

func (f *fakeModel) ExtractReceipt(ctx context.Context, text string) (*models.ParsedReceipt, error) {
	f.calls++
	return f.parsed, f.err
}

func TestStructuredParserPrefersModel(t *testing.T) {
	store := "Lidl"
	model := &fakeModel{parsed: &models.ParsedReceipt{
		Source:    models.ParseSourceModel,
		StoreName: &store,
		Currency:  "PLN",
		Items: []models.ParsedLineItem{
			{Name: "Milk", Quantity: dec("2"), UnitPrice: dec("3.50")},
		},
	}}
	p := NewStructuredParser(model, nil, time.Second, logger.Nop(), nil)

	parsed, err := p.Parse(context.Background(), polishReceipt)
	require.NoError(t, err)
	assert.Equal(t, 1, model.calls)
	assert.Equal(t, models.ParseSourceModel, parsed.Source)
	require.Len(t, parsed.Items, 1)
	assert.True(t, parsed.Items[0].LineTotal.Equal(dec("7.00")))
	assert.Equal(t, models.ParsedReceiptSchemaVersion, parsed.SchemaVersion)
}

func TestStructuredParserFallsBack(t *testing.T) {
	cases := []struct {
		name  string
		model *fakeModel
	}{
		{name: "model error", model: &fakeModel{err: NewError(KindModelError, "connection refused")}},
		{name: "schema invalid", model: &fakeModel{err: NewError(KindSchemaInvalid, "bad json")}},
		{name: "untagged error", model: &fakeModel{err: errors.New("boom")}},
		{name: "no items", model: &fakeModel{parsed: &models.ParsedReceipt{Currency: "PLN"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewStructuredParser(tc.model, NewReceiptParser("PLN"), time.Second, logger.Nop(), nil)
			parsed, err := p.Parse(context.Background(), polishReceipt)
			require.NoError(t, err)
			assert.Equal(t, models.ParseSourceFallback, parsed.Source)
			assert.Len(t, parsed.Items, 2)
		})
	}
}

func TestStructuredParserParseFailed(t *testing.T) {
	p := NewStructuredParser(&fakeModel{err: NewError(KindModelError, "down")}, nil, time.Second, logger.Nop(), nil)

	_, err := p.Parse(context.Background(), "@@@ ### !!!")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrParseFailed))

	_, err = p.Parse(context.Background(), "   ")
	assert.True(t, errors.Is(err, ErrParseFailed))
}

func TestTotalsDisagree(t *testing.T) {
	total := dec("10.00")
	parsed := &models.ParsedReceipt{Total: &total, Items: []models.ParsedLineItem{
		{Name: "a", LineTotal: dec("9.70")},
	}}
	assert.False(t, TotalsDisagree(parsed, 0.05))

	parsed.Items[0].LineTotal = dec("8.00")
	assert.True(t, TotalsDisagree(parsed, 0.05))

	parsed.Total = nil
	assert.False(t, TotalsDisagree(parsed, 0.05))
}

func ollamaServer(t *testing.T, status int, response string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		var req generateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, "json", req.Format)

		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(generateResponse{Response: response, Done: true})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaModelExtractReceipt(t *testing.T) {
	body := `{"store_name":"Lidl","date":"2024-03-15","total":9.99,"currency":"pln",
		"products":[{"name":"Milk","quantity":2,"price":3.5},{"name":"Bread","price":2.99,"total_price":2.99,"unit":"szt"}]}`
	srv := ollamaServer(t, http.StatusOK, body)

	m, err := NewOllamaModel(OllamaOptions{BaseURL: srv.URL, Model: "llama3.2", Timeout: time.Second})
	require.NoError(t, err)

	parsed, err := m.ExtractReceipt(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, models.ParseSourceModel, parsed.Source)
	assert.Equal(t, "Lidl", *parsed.StoreName)
	assert.Equal(t, "PLN", parsed.Currency)
	require.Len(t, parsed.Items, 2)
	assert.True(t, parsed.Items[0].LineTotal.Equal(dec("7")))
	assert.True(t, parsed.Items[1].Quantity.Equal(dec("1")))
	require.NotNil(t, parsed.Items[1].Unit)
	assert.Equal(t, "szt", *parsed.Items[1].Unit)
}

func TestOllamaModelErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{name: "server error", status: http.StatusInternalServerError, body: "", want: ErrModelError},
		{name: "not json", status: http.StatusOK, body: "I cannot read this receipt", want: ErrSchemaInvalid},
		{name: "no products", status: http.StatusOK, body: `{"store_name":"x","products":[]}`, want: ErrSchemaInvalid},
		{name: "negative price", status: http.StatusOK, body: `{"products":[{"name":"x","price":-1}]}`, want: ErrSchemaInvalid},
		{name: "empty response", status: http.StatusOK, body: "", want: ErrModelError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := ollamaServer(t, tc.status, tc.body)
			m, err := NewOllamaModel(OllamaOptions{BaseURL: srv.URL, Model: "llama3.2", Timeout: time.Second})
			require.NoError(t, err)

			_, err = m.ExtractReceipt(context.Background(), "text")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), err.Error())
		})
	}
}

func TestTruncateKeepsRunes(t *testing.T) {
	assert.Equal(t, "mleko", truncate("mleko", 10))
	assert.Equal(t, "zó...", truncate("zółć", 4), "a cut inside ł backs off to the rune start")
	assert.Equal(t, "zółć", truncate("zółć", 7))

	for n := 0; n < 12; n++ {
		assert.True(t, utf8.ValidString(truncate("żółta gęś", n)), "n=%d", n)
	}
}

func TestOllamaModelErrorBodyStaysValidUTF8(t *testing.T) {
	srv := ollamaServer(t, http.StatusBadGateway, strings.Repeat("źdźbło ", 60))
	m, err := NewOllamaModel(OllamaOptions{BaseURL: srv.URL, Model: "llama3.2", Timeout: time.Second})
	require.NoError(t, err)

	_, err = m.ExtractReceipt(context.Background(), "text")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelError)
	assert.True(t, utf8.ValidString(err.Error()))
	assert.Contains(t, err.Error(), "...")
}
