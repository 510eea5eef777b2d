package service

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kapetan-io/pixstream/internal"
	"github.com/kapetan-io/pixstream/internal/types"
	"github.com/kapetan-io/pixstream/transport"
)

const (
	maxISPBLength        = 8
	maxNameLength        = 100
	maxTaxIDLength       = 14
	maxBranchLength      = 10
	maxAccountLength     = 20
	maxAccountTypeLength = 10
	maxEndToEndIDLength  = 100
	maxTxIDLength        = 100
	maxFreeTextLength    = 140
)

func validateISPB(ispb string) error {
	if ispb == "" {
		return transport.NewInvalidOption("ispb is invalid; cannot be empty")
	}
	if len(ispb) > maxISPBLength {
		return transport.NewInvalidOption("ispb is invalid; cannot be greater than '%d' characters",
			maxISPBLength)
	}
	if !isAlphaNumeric(ispb) {
		return transport.NewInvalidOption("ispb is invalid; '%s' must only contain letters and digits", ispb)
	}
	return nil
}

func validateInteractionID(id string) error {
	if id == "" {
		return transport.NewInvalidOption("interaction id is invalid; cannot be empty")
	}
	if len(id) > internal.MaxInteractionIDLength {
		return transport.NewInvalidOption("interaction id is invalid; cannot be greater than '%d' characters",
			internal.MaxInteractionIDLength)
	}
	for _, r := range id {
		if !isAlphaNumericRune(r) && r != '-' && r != '_' {
			return transport.NewInvalidOption("interaction id is invalid; contains invalid character '%c'", r)
		}
	}
	return nil
}

// validatePixMessage validates the wire message and fills out. A message with an empty
// payee ISPB is assigned to the ISPB it was produced under.
func validatePixMessage(ispb string, in *transport.PixMessage, out *types.Message) error {
	if in == nil {
		return fmt.Errorf("message cannot be null")
	}

	if in.EndToEndID == "" {
		return fmt.Errorf("'endToEndId' cannot be empty")
	}
	if len(in.EndToEndID) > maxEndToEndIDLength {
		return fmt.Errorf("'endToEndId' cannot be greater than '%d' characters", maxEndToEndIDLength)
	}
	if len(in.TxID) > maxTxIDLength {
		return fmt.Errorf("'txId' cannot be greater than '%d' characters", maxTxIDLength)
	}
	if len(in.FreeText) > maxFreeTextLength {
		return fmt.Errorf("'campoLivre' cannot be greater than '%d' characters", maxFreeTextLength)
	}

	amount, err := parseAmount(in.Amount)
	if err != nil {
		return err
	}

	if in.Payee.ISPB == "" {
		in.Payee.ISPB = ispb
	}
	if in.Payee.ISPB != ispb {
		return fmt.Errorf("'recebedor.ispb' is '%s'; must match the ispb '%s' it is produced under",
			in.Payee.ISPB, ispb)
	}

	if err := validateParty("pagador", in.Payer); err != nil {
		return err
	}
	if err := validateParty("recebedor", in.Payee); err != nil {
		return err
	}

	*out = types.Message{
		EndToEndID: in.EndToEndID,
		Payer:      toParty(in.Payer),
		Payee:      toParty(in.Payee),
		FreeText:   in.FreeText,
		PaidAt:     in.PaidAt.UTC(),
		Amount:     amount,
		TxID:       in.TxID,
	}
	return nil
}

func validateParty(field string, p transport.Party) error {
	for _, f := range []struct {
		name  string
		value string
		max   int
	}{
		{name: "nome", value: p.Name, max: maxNameLength},
		{name: "cpfCnpj", value: p.TaxID, max: maxTaxIDLength},
		{name: "ispb", value: p.ISPB, max: maxISPBLength},
		{name: "agencia", value: p.Branch, max: maxBranchLength},
		{name: "contaTransacional", value: p.Account, max: maxAccountLength},
		{name: "tipoConta", value: p.AccountType, max: maxAccountTypeLength},
	} {
		if len(f.value) > f.max {
			return fmt.Errorf("'%s.%s' cannot be greater than '%d' characters", field, f.name, f.max)
		}
	}
	if p.ISPB != "" && !isAlphaNumeric(p.ISPB) {
		return fmt.Errorf("'%s.ispb' must only contain letters and digits", field)
	}
	return nil
}

// parseAmount converts a decimal string with at most two places into cents. Example: "100.5" -> 10050
func parseAmount(s string) (int64, error) {
	whole, frac, hasFrac := strings.Cut(strings.TrimSpace(s), ".")
	if whole == "" || (hasFrac && (frac == "" || len(frac) > 2)) {
		return 0, fmt.Errorf("'valor' is invalid; '%s' must be a decimal with at most 2 places", s)
	}

	for _, part := range []string{whole, frac} {
		for _, r := range part {
			if r < '0' || r > '9' {
				return 0, fmt.Errorf("'valor' is invalid; '%s' must be a decimal with at most 2 places", s)
			}
		}
	}

	if digits := strings.TrimLeft(whole, "0"); len(digits) > types.MaxAmountDigits {
		return 0, fmt.Errorf("'valor' is invalid; cannot be greater than '%s'",
			types.FormatAmount(types.MaxAmount))
	}

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("'valor' is invalid; %s", err)
	}

	var cents int64
	if frac != "" {
		if len(frac) == 1 {
			frac += "0"
		}
		cents, _ = strconv.ParseInt(frac, 10, 64)
	}

	amount := units*100 + cents
	if amount <= 0 {
		return 0, fmt.Errorf("'valor' is invalid; must be greater than zero")
	}
	return amount, nil
}

func toParty(p transport.Party) types.Party {
	return types.Party{
		AccountType: p.AccountType,
		Account:     p.Account,
		Branch:      p.Branch,
		TaxID:       p.TaxID,
		Name:        p.Name,
		ISPB:        p.ISPB,
	}
}

func fromParty(p types.Party) transport.Party {
	return transport.Party{
		AccountType: p.AccountType,
		Account:     p.Account,
		Branch:      p.Branch,
		TaxID:       p.TaxID,
		Name:        p.Name,
		ISPB:        p.ISPB,
	}
}

func toPixMessage(msg *types.Message) *transport.PixMessage {
	return &transport.PixMessage{
		Amount:     types.FormatAmount(msg.Amount),
		EndToEndID: msg.EndToEndID,
		Payer:      fromParty(msg.Payer),
		Payee:      fromParty(msg.Payee),
		FreeText:   msg.FreeText,
		PaidAt:     msg.PaidAt,
		TxID:       msg.TxID,
	}
}

func isAlphaNumeric(s string) bool {
	for _, r := range s {
		if !isAlphaNumericRune(r) {
			return false
		}
	}
	return true
}

func isAlphaNumericRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
