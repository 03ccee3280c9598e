package store

import (
	"fmt"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/bivex/storebroker/payment"
)

// localizedPrice formats a product's price with its currency symbol in the
// product's own locale. Falls back to "<amount> <code>" when the locale or
// currency code cannot be parsed.
func localizedPrice(p payment.Product) string {
	unit, err := currency.ParseISO(p.Currency)
	if err != nil {
		return fmt.Sprintf("%.2f %s", p.Price, p.Currency)
	}

	tag, err := language.Parse(p.Locale)
	if err != nil {
		tag = language.Und
	}

	printer := message.NewPrinter(tag)
	return printer.Sprintf("%v", currency.Symbol(unit.Amount(p.Price)))
}
