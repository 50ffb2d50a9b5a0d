package parsers

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledger-ingestion-service/internal/models"
)

const amountPattern = `(?:\brs\.?|\binr|₹)\s*([0-9][0-9,]*(?:\.[0-9]{1,2})?)`

var (
	amountRe      = regexp.MustCompile(`(?i)` + amountPattern)
	balanceRe     = regexp.MustCompile(`(?i)\b(?:avl\.?\s*bal(?:ance)?|available\s+bal(?:ance)?|a/c\s+bal(?:ance)?|bal(?:ance)?)\b.{0,40}?` + amountPattern)
	creditLimitRe = regexp.MustCompile(`(?i)\b(?:credit\s+limit|avl\.?\s*lmt|available\s+limit|avl\.?\s*limit)\b.{0,30}?` + amountPattern)
	accountRe     = regexp.MustCompile(`(?i)\b(?:a/c|acct|account|card)\b[^0-9]{0,20}?([0-9]{4})\b`)
	referenceRe   = regexp.MustCompile(`(?i)\b(?:upi\s*ref(?:\s*no)?|ref(?:erence)?(?:\s*(?:no|number|id))?|utr|rrn|txn\s*id|umn)\b[\s.:#-]*([A-Za-z0-9]{6,})`)
	merchantOutRe = regexp.MustCompile(`(?i)\b(?:at|to|towards|info:?|for)\s+`)
	merchantInRe  = regexp.MustCompile(`(?i)\b(?:from|by)\s+`)
	nextDueRe     = regexp.MustCompile(`(?i)\bnext\s+(?:debit|payment|due|deduction)(?:\s+date)?\s*(?:on|:|is|-)?\s*(\d{1,2}[-/ ](?:\d{1,2}|[A-Za-z]{3})[-/ ]\d{2,4})`)
	digitRe       = regexp.MustCompile(`[0-9]`)
)

var merchantStopWords = map[string]bool{
	"on": true, "via": true, "ref": true, "upi": true, "using": true, "from": true, "avl": true,
	"with": true, "dated": true, "bal": true, "balance": true, "is": true, "has": true, "your": true,
	"a/c": true, "acct": true, "account": true, "card": true, "if": true, "not": true, "rs": true,
	"inr": true, "txn": true, "and": true, "for": true, "by": true, "to": true, "at": true,
	"registered": true, "successfully": true, "was": true, "been": true, "will": true, "thru": true,
	"through": true, "debited": true, "credited": true, "towards": true, "of": true, "in": true,
}

const maxMerchantWords = 4

var skipMerchants = map[string]bool{
	"vpa": true, "your": true, "a/c": true, "acct": true, "account": true, "card": true, "you": true,
}

var dueDateLayouts = []string{
	"02-01-2006", "2-1-2006", "02/01/2006", "2/1/2006", "02-Jan-2006", "2-Jan-2006",
	"02 Jan 2006", "2 Jan 2006", "02-01-06", "02/01/06", "02-Jan-06",
}

type keywordSet struct {
	re *regexp.Regexp
}

func newKeywordSet(words []string) keywordSet {
	if len(words) == 0 {
		return keywordSet{}
	}
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		quoted = append(quoted, regexp.QuoteMeta(strings.ToLower(strings.TrimSpace(w))))
	}
	return keywordSet{re: regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)}
}

func (k keywordSet) match(text string) bool {
	return k.re != nil && k.re.MatchString(text)
}

// PatternParser is a BankParser driven by a BankProfile and shared extractors.
type PatternParser struct {
	profile *BankProfile
	codes   map[string]bool
	apps    map[string]bool

	debit, credit, transfer, investment keywordSet
	creditCard, card                    keywordSet
	mandate, mandateSetup, ignore       keywordSet
}

// NewPatternParser compiles profile's keyword sets
func NewPatternParser(profile *BankProfile) *PatternParser {
	profile.normalize()
	p := &PatternParser{
		profile:      profile,
		codes:        make(map[string]bool, len(profile.SenderCodes)),
		apps:         make(map[string]bool, len(profile.AppIDs)),
		debit:        newKeywordSet(profile.Keywords.Debit),
		credit:       newKeywordSet(profile.Keywords.Credit),
		transfer:     newKeywordSet(profile.Keywords.Transfer),
		investment:   newKeywordSet(profile.Keywords.Investment),
		creditCard:   newKeywordSet(profile.Keywords.CreditCard),
		card:         newKeywordSet(profile.Keywords.Card),
		mandate:      newKeywordSet(profile.Keywords.Mandate),
		mandateSetup: newKeywordSet(profile.Keywords.MandateSetup),
		ignore:       newKeywordSet(profile.Keywords.Ignore),
	}
	for _, c := range profile.SenderCodes {
		p.codes[c] = true
	}
	for _, a := range profile.AppIDs {
		p.apps[a] = true
	}
	return p
}

func (p *PatternParser) BankName() string { return p.profile.Name }

// CanHandle matches the entity code of a header, or an app package name.
func (p *PatternParser) CanHandle(sender SenderIdentity) bool {
	return p.codes[sender.Code] || p.apps[strings.ToLower(sender.Raw)]
}

// ClassifySpecial recognizes mandate setups and balance-only statements.
func (p *PatternParser) ClassifySpecial(msg *models.RawMessage) *Special {
	body := msg.Body
	if p.ignore.match(body) {
		return nil
	}

	if p.isMandateSetup(body) {
		amount, ok := extractAmount(body)
		if !ok {
			return nil
		}
		return &Special{
			Kind: SpecialMandate,
			Mandate: &models.Mandate{
				Merchant:        orUnknown(extractMerchant(body, merchantOutRe)),
				Amount:          amount,
				NextPaymentDate: nextDueDate(body, msg.Timestamp),
				Frequency:       frequencyOf(body),
				Reference:       extractReference(body),
				BankName:        p.profile.Name,
			},
		}
	}

	balance, ok := extractBalance(body)
	if !ok || p.hasMovement(body) {
		return nil
	}
	account := extractAccount(body)
	if account == "" {
		return nil
	}
	isCredit := p.creditCard.match(body)
	notice := &models.BalanceNotice{
		BankName:     p.profile.Name,
		AccountLast4: account,
		Balance:      balance,
		Timestamp:    msg.Timestamp,
		IsCreditCard: isCredit,
	}
	if isCredit {
		notice.CreditLimit = extractCreditLimit(body)
	}
	return &Special{Kind: SpecialBalance, Balance: notice}
}

// TryParse extracts a transaction candidate. It reports false for texts that
// are not a completed money movement.
func (p *PatternParser) TryParse(msg *models.RawMessage) (*models.ParsedTransaction, bool) {
	body := msg.Body
	if p.ignore.match(body) || p.isMandateSetup(body) {
		return nil, false
	}

	amount, ok := extractAmount(body)
	if !ok {
		return nil, false
	}

	isCreditCard := p.creditCard.match(body)
	txType, ok := p.transactionType(body, isCreditCard)
	if !ok {
		return nil, false
	}

	merchantRe := merchantOutRe
	if txType == models.TransactionTypeIncome {
		merchantRe = merchantInRe
	}

	tx := &models.ParsedTransaction{
		Amount:       amount,
		Merchant:     orUnknown(extractMerchant(body, merchantRe)),
		Type:         txType,
		Timestamp:    msg.Timestamp,
		Currency:     p.profile.Currency,
		BankName:     p.profile.Name,
		AccountLast4: extractAccount(body),
		Reference:    extractReference(body),
		RawBody:      body,
		Sender:       msg.Sender,
		IsFromCard:   p.card.match(body),
		IsCreditCard: isCreditCard,
	}
	if bal, ok := extractBalance(body); ok {
		tx.BalanceAfter = &bal
	}
	if isCreditCard {
		tx.CreditLimit = extractCreditLimit(body)
	}
	if err := tx.Validate(); err != nil {
		return nil, false
	}
	return tx, true
}

// transactionType applies keyword sets in a fixed order: investment, credit
// card spend, transfer, debit, credit.
func (p *PatternParser) transactionType(body string, isCreditCard bool) (models.TransactionType, bool) {
	switch {
	case p.investment.match(body):
		return models.TransactionTypeInvestment, true
	case isCreditCard && p.debit.match(body):
		return models.TransactionTypeCredit, true
	case p.transfer.match(body):
		return models.TransactionTypeTransfer, true
	case p.debit.match(body):
		return models.TransactionTypeExpense, true
	case p.credit.match(body):
		return models.TransactionTypeIncome, true
	}
	return "", false
}

func (p *PatternParser) isMandateSetup(body string) bool {
	return p.mandate.match(body) && p.mandateSetup.match(body) && !p.debit.match(body) && !p.credit.match(body)
}

func (p *PatternParser) hasMovement(body string) bool {
	return p.debit.match(body) || p.credit.match(body) || p.transfer.match(body) || p.investment.match(body)
}

func parseAmount(raw string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(strings.ReplaceAll(raw, ",", ""))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// extractAmount returns the first amount that is not part of a balance or
// limit clause.
func extractAmount(body string) (decimal.Decimal, bool) {
	var excluded [][]int
	excluded = append(excluded, balanceRe.FindAllStringIndex(body, -1)...)
	excluded = append(excluded, creditLimitRe.FindAllStringIndex(body, -1)...)

	for _, m := range amountRe.FindAllStringSubmatchIndex(body, -1) {
		inside := false
		for _, span := range excluded {
			if m[0] >= span[0] && m[1] <= span[1] {
				inside = true
				break
			}
		}
		if inside {
			continue
		}
		if d, ok := parseAmount(body[m[2]:m[3]]); ok && d.IsPositive() {
			return d, true
		}
	}
	return decimal.Zero, false
}

func extractBalance(body string) (decimal.Decimal, bool) {
	m := balanceRe.FindStringSubmatch(body)
	if m == nil {
		return decimal.Zero, false
	}
	return parseAmount(m[1])
}

func extractCreditLimit(body string) *decimal.Decimal {
	m := creditLimitRe.FindStringSubmatch(body)
	if m == nil {
		return nil
	}
	d, ok := parseAmount(m[1])
	if !ok {
		return nil
	}
	return &d
}

func extractAccount(body string) string {
	m := accountRe.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	return m[1]
}

func extractReference(body string) string {
	for _, m := range referenceRe.FindAllStringSubmatch(body, -1) {
		if digitRe.MatchString(m[1]) {
			return strings.ToUpper(m[1])
		}
	}
	return ""
}

// extractMerchant takes the words after the first usable prefix match, up to
// a stop word, a sentence end or maxMerchantWords.
func extractMerchant(body string, re *regexp.Regexp) string {
	for _, loc := range re.FindAllStringIndex(body, -1) {
		words := strings.Fields(body[loc[1]:])
		for len(words) > 0 && skipMerchants[strings.ToLower(words[0])] {
			words = words[1:]
		}

		var kept []string
		for _, w := range words {
			bare := strings.Trim(w, ".,:;-()")
			lw := strings.ToLower(bare)
			if bare == "" || merchantStopWords[lw] || amountRe.MatchString(w) || startsWithDigit(bare) {
				break
			}
			kept = append(kept, bare)
			if len(kept) == maxMerchantWords || strings.HasSuffix(w, ".") && !strings.Contains(bare, ".") {
				break
			}
		}

		name := strings.Join(kept, " ")
		if name == "" || !hasLetter(name) || looksLikeAccountMask(name) {
			continue
		}
		return name
	}
	return ""
}

func startsWithDigit(s string) bool {
	return s != "" && s[0] >= '0' && s[0] <= '9'
}

func hasLetter(s string) bool {
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			return true
		}
	}
	return false
}

// looksLikeAccountMask catches "XX1234" and "**1234".
func looksLikeAccountMask(s string) bool {
	trimmed := strings.TrimLeft(strings.ToUpper(s), "X*")
	return len(trimmed) < len(s) && len(trimmed) > 0 && !hasLetter(trimmed)
}

func orUnknown(merchant string) string {
	if merchant == "" {
		return "Unknown"
	}
	return merchant
}

func nextDueDate(body string, received time.Time) time.Time {
	if m := nextDueRe.FindStringSubmatch(body); m != nil {
		for _, layout := range dueDateLayouts {
			if t, err := time.ParseInLocation(layout, m[1], received.Location()); err == nil {
				return t
			}
		}
	}
	return received.AddDate(0, 1, 0)
}

func frequencyOf(body string) string {
	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, "weekly"):
		return "weekly"
	case strings.Contains(lower, "yearly"), strings.Contains(lower, "annual"):
		return "yearly"
	default:
		return "monthly"
	}
}
