package stages

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
)

// Invoice is the input payload of an invoice run. Fields not listed here are
// kept in the run input but ignored by the stages.
type Invoice struct {
	InvoiceID   string   `mapstructure:"invoice_id" validate:"required"`
	VendorName  string   `mapstructure:"vendor_name"`
	Amount      float64  `mapstructure:"amount" validate:"gte=0"`
	Currency    string   `mapstructure:"currency" validate:"omitempty,len=3"`
	Language    string   `mapstructure:"language"`
	Attachments []string `mapstructure:"attachments"`
}

var validate = validator.New()

// DecodeInvoice reads an invoice from a run input payload.
func DecodeInvoice(input map[string]any) (*Invoice, error) {
	var invoice Invoice
	if err := decode(input, &invoice); err != nil {
		return nil, fmt.Errorf("invalid invoice payload: %w", err)
	}
	return &invoice, nil
}

// ValidateInput rejects payloads that cannot be processed as an invoice.
func ValidateInput(input map[string]any) error {
	invoice, err := DecodeInvoice(input)
	if err != nil {
		return err
	}
	if err := validate.Struct(invoice); err != nil {
		return fmt.Errorf("invalid invoice payload: %w", err)
	}
	return nil
}

// decode maps loosely typed values (decoded JSON or in-memory tool results)
// onto a typed struct.
func decode(input any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}
