// Package reconstruct maintains per-symbol order-book state from a venue's
// raw slice messages, normalizing deltas into trades and book updates (spec
// §4.6, venue example: Bitmex).
package reconstruct

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Side is the book side a delta applies to.
type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}

	return "sell"
}

// UpdateType classifies one book-delta item.
type UpdateType int

const (
	New UpdateType = iota
	Change
	Delete
)

func (u UpdateType) String() string {
	switch u {
	case New:
		return "new"
	case Change:
		return "change"
	default:
		return "delete"
	}
}

// MessageType distinguishes the two kinds of MarketResponse.
type MessageType int

const (
	Trades MessageType = iota
	BookDelta
)

// Trade is one normalized trade print.
type Trade struct {
	Symbol    string
	Side      Side
	Amount    float64
	Price     float64
	Timestamp time.Time
}

// BookUpdate is one normalized book-delta item.
type BookUpdate struct {
	Symbol string
	Side   Side
	Type   UpdateType
	Price  float64
	Amount float64
}

// PriceLevel is one resting order-book entry.
type PriceLevel struct {
	Price float64
	Size  float64
}

// BookState is a read-only snapshot of one symbol's bids and asks, sorted by
// price ascending.
type BookState struct {
	Symbol string
	Bids   []PriceLevel
	Asks   []PriceLevel
}

// MarketResponse is the Reconstructor's output for one raw slice message
// whose items matched the requested symbol set.
type MarketResponse struct {
	LocalTimestamp time.Time
	MessageType    MessageType
	Trades         []Trade
	BookUpdates    []BookUpdate
	OrderBookState BookState
}

// idMemoSize bounds the global id→price memo so a very long reconstruction
// session cannot grow it unboundedly; spec §4.6 never specifies an eviction
// policy, so an LRU big enough to outlive realistic book churn is used.
const idMemoSize = 1 << 20

// book holds one symbol's bid/ask ladders.
type book struct {
	bids map[float64]float64
	asks map[float64]float64
}

func newBook() *book {
	return &book{bids: make(map[float64]float64), asks: make(map[float64]float64)}
}

func (b *book) side(s Side) map[float64]float64 {
	if s == Buy {
		return b.bids
	}

	return b.asks
}

func (b *book) apply(u BookUpdate) {
	m := b.side(u.Side)

	if u.Type == Delete {
		delete(m, u.Price)

		return
	}

	m[u.Price] = u.Amount
}

func (b *book) snapshot(symbol string) BookState {
	return BookState{
		Symbol: symbol,
		Bids:   sortedLevels(b.bids),
		Asks:   sortedLevels(b.asks),
	}
}

// sortedLevels returns m as a slice of PriceLevel sorted by price ascending,
// per the Order-Book State data model.
func sortedLevels(m map[float64]float64) []PriceLevel {
	out := make([]PriceLevel, 0, len(m))
	for price, size := range m {
		out = append(out, PriceLevel{Price: price, Size: size})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Price < out[j].Price
	})

	return out
}

// rawMessage mirrors the Bitmex wire shape: a table name, an action, and a
// list of items.
type rawMessage struct {
	Table  string    `json:"table"`
	Action string    `json:"action"`
	Data   []rawItem `json:"data"`
}

type rawItem struct {
	Symbol    string   `json:"symbol"`
	ID        *int64   `json:"id"`
	Price     *float64 `json:"price"`
	Size      *float64 `json:"size"`
	Side      string   `json:"side"`
	Timestamp string   `json:"timestamp"`
}

// Reconstructor holds the per-symbol book state for one reconstruction
// session. It is not safe for concurrent use; the Replay Iterator it
// consumes from is single-consumer by construction.
type Reconstructor struct {
	symbols map[string]struct{}
	books   map[string]*book
	idPrice *lru.Cache[int64, float64]
}

// New creates a Reconstructor scoped to symbols. Only items whose symbol is
// in this set produce output.
func New(symbols []string) (*Reconstructor, error) {
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[s] = struct{}{}
	}

	cache, err := lru.New[int64, float64](idMemoSize)
	if err != nil {
		return nil, err
	}

	return &Reconstructor{
		symbols: set,
		books:   make(map[string]*book),
		idPrice: cache,
	}, nil
}

// Filters returns the (orderBookL2, trade) channel filters this
// Reconstructor's symbol set requires, for deriving the replay range's
// filter parameter (spec §4.6 "Derived filters").
func (r *Reconstructor) Filters() []filterSpec {
	symbols := make([]string, 0, len(r.symbols))
	for s := range r.symbols {
		symbols = append(symbols, s)
	}

	sort.Strings(symbols)

	return []filterSpec{
		{Channel: "orderBookL2", Symbols: symbols},
		{Channel: "trade", Symbols: symbols},
	}
}

// filterSpec is the minimal shape callers need to build a filter.Filter;
// kept local to avoid reconstruct depending on the filter package for what
// is otherwise plain data.
type filterSpec struct {
	Channel string
	Symbols []string
}

// Process consumes one decoded raw slice message and returns the
// MarketResponse it produces, or nil if the message produced no output
// (wrong table, ignored trade partial, every item off-symbol, or every
// book item dropped for an unknown id).
func (r *Reconstructor) Process(localTimestamp time.Time, payload json.RawMessage) (*MarketResponse, error) {
	var msg rawMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("error decoding slice message: %w", err)
	}

	switch msg.Table {
	case "trade":
		return r.processTrade(localTimestamp, msg)
	case "orderBookL2":
		return r.processBookDelta(localTimestamp, msg)
	default:
		return nil, nil
	}
}

func (r *Reconstructor) processTrade(localTimestamp time.Time, msg rawMessage) (*MarketResponse, error) {
	if msg.Action == "partial" {
		return nil, nil
	}

	var trades []Trade

	for _, item := range msg.Data {
		if _, ok := r.symbols[item.Symbol]; !ok {
			continue
		}

		if item.Price == nil || item.Size == nil {
			continue
		}

		ts, err := parseItemTimestamp(item.Timestamp)
		if err != nil {
			continue
		}

		side := Sell
		if item.Side == "Buy" {
			side = Buy
		}

		trades = append(trades, Trade{
			Symbol:    item.Symbol,
			Side:      side,
			Amount:    *item.Size,
			Price:     *item.Price,
			Timestamp: ts,
		})
	}

	if len(trades) == 0 {
		return nil, nil
	}

	return &MarketResponse{
		LocalTimestamp: localTimestamp,
		MessageType:    Trades,
		Trades:         trades,
		OrderBookState: r.bookFor(trades[0].Symbol).snapshot(trades[0].Symbol),
	}, nil
}

func (r *Reconstructor) processBookDelta(localTimestamp time.Time, msg rawMessage) (*MarketResponse, error) {
	var (
		updates []BookUpdate
		symbol  string
	)

	for _, item := range msg.Data {
		if _, ok := r.symbols[item.Symbol]; !ok {
			continue
		}

		if item.ID == nil {
			continue
		}

		if msg.Action == "partial" || msg.Action == "insert" {
			if item.Price != nil {
				r.idPrice.Add(*item.ID, *item.Price)
			}
		}

		price, ok := r.resolvePrice(item)
		if !ok {
			continue
		}

		updateType := New
		if msg.Action == "update" {
			updateType = Change
		} else if msg.Action == "delete" {
			updateType = Delete
		}

		side := Sell
		if item.Side == "Buy" {
			side = Buy
		}

		amount := 0.0
		if updateType != Delete && item.Size != nil {
			amount = *item.Size
		}

		upd := BookUpdate{Symbol: item.Symbol, Side: side, Type: updateType, Price: price, Amount: amount}

		r.bookFor(item.Symbol).apply(upd)
		updates = append(updates, upd)

		if symbol == "" {
			symbol = item.Symbol
		}
	}

	if len(updates) == 0 {
		return nil, nil
	}

	return &MarketResponse{
		LocalTimestamp: localTimestamp,
		MessageType:    BookDelta,
		BookUpdates:    updates,
		OrderBookState: r.bookFor(symbol).snapshot(symbol),
	}, nil
}

// resolvePrice implements spec §4.6's "item.price if present, else lookup
// by item.id; if lookup fails, silently drop this item".
func (r *Reconstructor) resolvePrice(item rawItem) (float64, bool) {
	if item.Price != nil {
		return *item.Price, true
	}

	if item.ID == nil {
		return 0, false
	}

	return r.idPrice.Get(*item.ID)
}

func (r *Reconstructor) bookFor(symbol string) *book {
	b, ok := r.books[symbol]
	if !ok {
		b = newBook()
		r.books[symbol] = b
	}

	return b
}

// parseItemTimestamp drops a trailing "Z" before parsing, per spec §4.6.
func parseItemTimestamp(s string) (time.Time, error) {
	s = trimTrailingZ(s)

	return time.Parse("2006-01-02T15:04:05.000", s)
}

func trimTrailingZ(s string) string {
	if len(s) > 0 && s[len(s)-1] == 'Z' {
		return s[:len(s)-1]
	}

	return s
}
