// Package fixtures generates synthetic bank message logs.
//
// Output is fully determined by the seed, so the same Config always yields
// the same messages in the same order. The mix covers every classifier
// outcome plus the redelivery patterns dedup has to catch: an app
// notification repeating an SMS with different wording but the same UPI
// reference, and byte-identical multi-path copies.
package fixtures

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledger-ingestion-service/internal/models"
)

// Kind labels a generated message
type Kind string

const (
	KindUPIDebit     Kind = "upi_debit"
	KindCardSpend    Kind = "card_spend"
	KindSalary       Kind = "salary"
	KindTransfer     Kind = "transfer"
	KindInvestment   Kind = "investment"
	KindBalance      Kind = "balance"
	KindMandate      Kind = "mandate"
	KindPromotional  Kind = "promotional"
	KindOTP          Kind = "otp"
	KindUnrecognized Kind = "unrecognized"
	KindRedelivery   Kind = "redelivery"
)

type weighted struct {
	kind   Kind
	weight int
}

var mix = []weighted{
	{KindUPIDebit, 35},
	{KindCardSpend, 15},
	{KindSalary, 8},
	{KindTransfer, 7},
	{KindInvestment, 5},
	{KindBalance, 5},
	{KindMandate, 2},
	{KindPromotional, 8},
	{KindOTP, 7},
	{KindUnrecognized, 8},
}

type bank struct {
	name     string
	sender   string
	app      string
	accounts []string
	cards    []string
}

var banks = []bank{
	{name: "HDFC Bank", sender: "VM-HDFCBK-S", app: "com.snapwork.hdfc", accounts: []string{"1234", "4821"}, cards: []string{"5678"}},
	{name: "ICICI Bank", sender: "AD-ICICIB-S", accounts: []string{"7788"}, cards: []string{"9911"}},
	{name: "SBI", sender: "JD-SBIINB-S", app: "com.sbi.lotusintouch", accounts: []string{"3344"}, cards: []string{"6655"}},
	{name: "Axis Bank", sender: "VK-AXISBK-S", accounts: []string{"2468"}, cards: []string{"1122"}},
	{name: "Kotak Bank", sender: "BZ-KOTAKB-T", accounts: []string{"1357"}},
}

var (
	upiPayees      = []string{"swiggy", "zomato", "bigbasket", "uber", "irctc", "blinkit", "rapido", "dunzo"}
	cardMerchants  = []string{"AMAZON", "FLIPKART", "STARBUCKS", "MYNTRA", "DECATHLON", "CROMA"}
	employers      = []string{"ACME CORP", "GLOBEX LTD", "INITECH"}
	funds          = []string{"ABC", "Nifty Index", "Bluechip"}
	mandates       = []string{"NETFLIX", "SPOTIFY", "HOTSTAR"}
	unknownSenders = []string{"AD-NEWBNK-T", "VM-FINSRV-S", "JM-COOPBK-T"}
)

// Config controls generation
type Config struct {
	Count int
	Start time.Time
	End   time.Time
	Seed  int64
	// RedeliveryRatio is the share of UPI debits and salary credits that
	// arrive a second time through another path.
	RedeliveryRatio float64
}

// DefaultConfig covers the 60 days before end
func DefaultConfig(end time.Time) *Config {
	return &Config{
		Count:           1000,
		Start:           end.AddDate(0, 0, -60),
		End:             end,
		Seed:            42,
		RedeliveryRatio: 0.1,
	}
}

// Validate validates the generator configuration
func (c *Config) Validate() error {
	if c.Count <= 0 {
		return fmt.Errorf("count must be positive, got %d", c.Count)
	}
	if !c.End.After(c.Start) {
		return fmt.Errorf("end %s must be after start %s", c.End.Format(time.RFC3339), c.Start.Format(time.RFC3339))
	}
	if c.RedeliveryRatio < 0 || c.RedeliveryRatio > 1 {
		return fmt.Errorf("redelivery ratio must be within [0, 1], got %v", c.RedeliveryRatio)
	}
	return nil
}

// Result is a generated log
type Result struct {
	Messages []*models.RawMessage
	Counts   map[Kind]int
}

// upiDetails are the fields of the last UPI debit, reused by its redelivery.
type upiDetails struct {
	amount, account, payee, ref string
}

// Generator produces messages. Not safe for concurrent use.
type Generator struct {
	config  *Config
	rng     *rand.Rand
	total   int
	lastUPI upiDetails
}

// New creates a generator
func New(config *Config) (*Generator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	total := 0
	for _, w := range mix {
		total += w.weight
	}
	return &Generator{
		config: config,
		rng:    rand.New(rand.NewSource(config.Seed)),
		total:  total,
	}, nil
}

// Generate returns exactly Count messages sorted by timestamp with IDs
// assigned in that order.
func (g *Generator) Generate() *Result {
	res := &Result{Counts: make(map[Kind]int)}
	msgs := make([]*models.RawMessage, 0, g.config.Count)

	for len(msgs) < g.config.Count {
		kind := g.pickKind()
		msg := g.message(kind)
		msgs = append(msgs, msg)
		res.Counts[kind]++

		if len(msgs) < g.config.Count && g.redeliverable(kind) && g.rng.Float64() < g.config.RedeliveryRatio {
			msgs = append(msgs, g.redeliver(kind, msg))
			res.Counts[KindRedelivery]++
		}
	}

	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	for i, m := range msgs {
		m.ID = fmt.Sprintf("msg-%06d", i+1)
	}
	res.Messages = msgs
	return res
}

func (g *Generator) pickKind() Kind {
	n := g.rng.Intn(g.total)
	for _, w := range mix {
		if n < w.weight {
			return w.kind
		}
		n -= w.weight
	}
	return KindUPIDebit
}

func (g *Generator) redeliverable(kind Kind) bool {
	return kind == KindUPIDebit || kind == KindSalary || kind == KindUnrecognized
}

func (g *Generator) timestamp() time.Time {
	span := g.config.End.Sub(g.config.Start)
	return g.config.Start.Add(time.Duration(g.rng.Int63n(int64(span)))).Truncate(time.Second)
}

func (g *Generator) amount(minRupees, maxRupees int64) decimal.Decimal {
	paise := minRupees*100 + g.rng.Int63n((maxRupees-minRupees)*100)
	return decimal.New(paise, -2)
}

func (g *Generator) reference() string {
	return fmt.Sprintf("%012d", g.rng.Int63n(1_000_000_000_000))
}

func pick[T any](rng *rand.Rand, items []T) T {
	return items[rng.Intn(len(items))]
}

func shortDate(t time.Time) string { return t.Format("02-01-06") }

func (g *Generator) message(kind Kind) *models.RawMessage {
	ts := g.timestamp()
	b := pick(g.rng, banks)
	msg := &models.RawMessage{Sender: b.sender, Timestamp: ts, Channel: models.ChannelSMS}

	switch kind {
	case KindUPIDebit:
		g.lastUPI = upiDetails{
			amount:  g.amount(10, 5000).StringFixed(2),
			account: pick(g.rng, b.accounts),
			payee:   pick(g.rng, upiPayees) + "@upi",
			ref:     g.reference(),
		}
		msg.Body = fmt.Sprintf("Rs.%s debited from A/c XX%s to VPA %s on %s. UPI Ref %s. Avl Bal Rs.%s",
			g.lastUPI.amount, g.lastUPI.account, g.lastUPI.payee,
			shortDate(ts), g.lastUPI.ref, g.amount(1000, 90000).StringFixed(2))

	case KindCardSpend:
		card := "0000"
		if len(b.cards) > 0 {
			card = pick(g.rng, b.cards)
		}
		msg.Body = fmt.Sprintf("Rs.%s spent on %s Credit Card xx%s at %s on %s. Avl Lmt: Rs.%s",
			g.amount(100, 20000).StringFixed(2), b.name, card, pick(g.rng, cardMerchants),
			ts.Format("2006-01-02"), g.amount(10000, 200000).StringFixed(2))

	case KindSalary:
		msg.Body = fmt.Sprintf("INR %s credited to A/c XX%s from %s. Ref No %s. Avl Bal INR %s",
			g.amount(20000, 150000).StringFixed(2), pick(g.rng, b.accounts), pick(g.rng, employers),
			g.reference(), g.amount(20000, 300000).StringFixed(2))

	case KindTransfer:
		msg.Body = fmt.Sprintf("Rs.%s transferred from A/c XX%s to A/c XX%04d via IMPS. Ref %s",
			g.amount(500, 50000).StringFixed(2), pick(g.rng, b.accounts), g.rng.Intn(10000), g.reference())

	case KindInvestment:
		msg.Body = fmt.Sprintf("Rs.%s debited from A/c XX%s towards SIP in %s Mutual Fund folio %d",
			g.amount(500, 10000).StringFixed(0), pick(g.rng, b.accounts), pick(g.rng, funds), 10000+g.rng.Intn(90000))

	case KindBalance:
		msg.Body = fmt.Sprintf("Avl Bal in A/c XX%s is Rs.%s as on %s",
			pick(g.rng, b.accounts), g.amount(1000, 200000).StringFixed(2), ts.Format("02-Jan-06"))

	case KindMandate:
		msg.Body = fmt.Sprintf("E-mandate for Rs.%s towards %s registered successfully. Next debit on %s. UMN %s",
			g.amount(99, 999).StringFixed(0), pick(g.rng, mandates), ts.AddDate(0, 1, 0).Format("02-01-2006"), g.reference())

	case KindPromotional:
		msg.Sender = strings.TrimSuffix(b.sender, b.sender[len(b.sender)-1:]) + "P"
		msg.Body = fmt.Sprintf("Get flat %d%% cashback on your next UPI payment above Rs.%d. T&C apply",
			5+g.rng.Intn(20), 100*(1+g.rng.Intn(10)))

	case KindOTP:
		msg.Body = fmt.Sprintf("%06d is your OTP for txn of Rs.%s at %s. Do not share it with anyone",
			g.rng.Intn(1_000_000), g.amount(10, 5000).StringFixed(2), pick(g.rng, cardMerchants))

	case KindUnrecognized:
		msg.Sender = pick(g.rng, unknownSenders)
		msg.Body = fmt.Sprintf("Rs.%s debited from your account XX%04d on %s",
			g.amount(10, 5000).StringFixed(2), g.rng.Intn(10000), shortDate(ts))
	}
	return msg
}

// redeliver repeats msg the way a second delivery path would. UPI debits of
// banks with an app come back as a reworded notification carrying the same
// reference; everything else is a byte-identical copy.
func (g *Generator) redeliver(kind Kind, msg *models.RawMessage) *models.RawMessage {
	if kind == KindUPIDebit {
		if b, ok := bankBySender(msg.Sender); ok && b.app != "" {
			d := g.lastUPI
			return &models.RawMessage{
				Sender:    b.app,
				Timestamp: msg.Timestamp.Add(time.Duration(1+g.rng.Intn(5)) * time.Minute),
				Body:      fmt.Sprintf("Paid Rs.%s to %s from A/c XX%s. UPI Ref %s", d.amount, d.payee, d.account, d.ref),
				Channel:   models.ChannelNotification,
			}
		}
	}
	return &models.RawMessage{
		Sender:    msg.Sender,
		Timestamp: msg.Timestamp.Add(time.Duration(g.rng.Intn(30)) * time.Second),
		Body:      msg.Body,
		Channel:   msg.Channel,
	}
}

func bankBySender(sender string) (bank, bool) {
	for _, b := range banks {
		if b.sender == sender {
			return b, true
		}
	}
	return bank{}, false
}
