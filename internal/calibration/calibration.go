package calibration

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/web3guy0/kalshibot/internal/database"
	"github.com/web3guy0/kalshibot/internal/domain"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CALIBRATION - Historical outcome rates by probability band × category
// ═══════════════════════════════════════════════════════════════════════════════

// ExtremeEdges biases resolution toward the tails, where market prices
// are least calibrated.
var ExtremeEdges = []float64{0.0, 0.02, 0.05, 0.10, 0.20, 0.40, 0.60, 0.80, 0.90, 0.95, 0.98, 1.0}

const (
	ModeUniform = "uniform"
	ModeExtreme = "extreme"

	// AggregateCategory keys buckets pooled across all categories.
	AggregateCategory = ""
)

// UniformEdges returns n equal-width bin edges over [0,1].
func UniformEdges(n int) []float64 {
	edges := make([]float64, n+1)
	for i := 0; i <= n; i++ {
		edges[i] = float64(i) / float64(n)
	}
	return edges
}

// Bucket holds outcome statistics for one (probability band, category)
// cell.
type Bucket struct {
	Low      float64 `json:"low"`
	High     float64 `json:"high"`
	Category string  `json:"category"`
	N        int     `json:"n"`
	NYes     int     `json:"n_yes"`
	PMktAvg  float64 `json:"p_mkt_avg"`
	PTrue    float64 `json:"p_true"`
}

// Params are the binning parameters recorded with every snapshot.
type Params struct {
	Mode       string    `json:"mode"`
	BinEdges   []float64 `json:"bin_edges"`
	MinSamples int       `json:"min_samples"`
}

// Model maps a market-implied probability and category to a calibrated
// outcome rate. Read-only between rebuilds.
type Model struct {
	params  Params
	buckets []Bucket
}

// Lookup returns the calibrated probability for (pMkt, category).
// Prefers the category-specific bucket, falls back to the pooled
// bucket, and reports ok=false when neither has enough samples; the
// caller then uses pMkt unadjusted.
func (m *Model) Lookup(pMkt decimal.Decimal, category string) (decimal.Decimal, bool) {
	if m == nil {
		return pMkt, false
	}
	p, _ := pMkt.Float64()
	var pooled *Bucket
	for i := range m.buckets {
		b := &m.buckets[i]
		if !bandContains(b, p, m.params.BinEdges) {
			continue
		}
		if b.Category == category && b.N >= m.params.MinSamples {
			return decimal.NewFromFloat(b.PTrue), true
		}
		if b.Category == AggregateCategory {
			pooled = b
		}
	}
	if pooled != nil && pooled.N >= m.params.MinSamples {
		return decimal.NewFromFloat(pooled.PTrue), true
	}
	return pMkt, false
}

func bandContains(b *Bucket, p float64, edges []float64) bool {
	// The top band is closed on both ends so p=1.0 lands somewhere.
	if b.High == edges[len(edges)-1] {
		return p >= b.Low && p <= b.High
	}
	return p >= b.Low && p < b.High
}

func bucketIndex(p float64, edges []float64) int {
	if p <= edges[0] {
		return 0
	}
	if p >= edges[len(edges)-1] {
		return len(edges) - 2
	}
	for i := 0; i < len(edges)-1; i++ {
		if p >= edges[i] && p < edges[i+1] {
			return i
		}
	}
	return len(edges) - 2
}

// Builder recomputes calibration from resolved markets and persists
// the result as an immutable snapshot.
type Builder struct {
	db          *database.Database
	minResolved int
	minSamples  int
}

func NewBuilder(db *database.Database, minResolved, minSamples int) *Builder {
	return &Builder{db: db, minResolved: minResolved, minSamples: minSamples}
}

// Observation is one resolved market with its pre-resolution mark.
type Observation struct {
	PMkt       decimal.Decimal
	Category   string
	OutcomeYes bool
}

// Refresh recomputes buckets over all resolved markets and saves a
// snapshot. Returns domain.ErrInsufficientCalibData when too few
// resolved markets exist; the generator then runs uncalibrated.
func (b *Builder) Refresh(mode string, edges []float64, asOf time.Time) (*Model, error) {
	markets, err := b.db.ResolvedMarkets()
	if err != nil {
		return nil, err
	}

	obs := make([]Observation, 0, len(markets))
	for _, m := range markets {
		cutoff := asOf
		if m.ResolvedAt != nil {
			cutoff = *m.ResolvedAt
		}
		quote, err := b.db.LatestQuote(m.Ticker, cutoff)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return nil, err
		}
		p := quote.Mark()
		if !p.IsPositive() || p.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			continue
		}
		obs = append(obs, Observation{
			PMkt:       p,
			Category:   m.Category,
			OutcomeYes: m.Resolution == domain.ResolutionYes,
		})
	}

	if len(obs) < b.minResolved {
		log.Warn().
			Int("resolved", len(obs)).
			Int("required", b.minResolved).
			Msg("Skipping calibration, too few resolved markets")
		return nil, domain.ErrInsufficientCalibData
	}

	params := Params{Mode: mode, BinEdges: edges, MinSamples: b.minSamples}
	buckets := computeBuckets(obs, edges)
	model := &Model{params: params, buckets: buckets}

	if err := b.save(params, buckets, mode); err != nil {
		return nil, err
	}
	log.Info().
		Int("observations", len(obs)).
		Int("buckets", len(buckets)).
		Str("mode", mode).
		Msg("Calibration refreshed")
	return model, nil
}

// computeBuckets aggregates observations into per-category cells plus
// a pooled cell per band.
func computeBuckets(obs []Observation, edges []float64) []Bucket {
	type agg struct {
		n, nYes int
		pSum    float64
	}
	cells := make(map[int]map[string]*agg)

	add := func(idx int, category string, p float64, yes bool) {
		if cells[idx] == nil {
			cells[idx] = make(map[string]*agg)
		}
		a := cells[idx][category]
		if a == nil {
			a = &agg{}
			cells[idx][category] = a
		}
		a.n++
		if yes {
			a.nYes++
		}
		a.pSum += p
	}

	for _, o := range obs {
		p, _ := o.PMkt.Float64()
		idx := bucketIndex(p, edges)
		add(idx, AggregateCategory, p, o.OutcomeYes)
		if o.Category != AggregateCategory {
			add(idx, o.Category, p, o.OutcomeYes)
		}
	}

	var buckets []Bucket
	for idx := 0; idx < len(edges)-1; idx++ {
		for category, a := range cells[idx] {
			buckets = append(buckets, Bucket{
				Low:      edges[idx],
				High:     edges[idx+1],
				Category: category,
				N:        a.n,
				NYes:     a.nYes,
				PMktAvg:  a.pSum / float64(a.n),
				PTrue:    float64(a.nYes) / float64(a.n),
			})
		}
	}
	return buckets
}

func (b *Builder) save(params Params, buckets []Bucket, mode string) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return err
	}
	bucketsJSON, err := json.Marshal(buckets)
	if err != nil {
		return err
	}
	return b.db.SaveCalibrationSnapshot(&database.CalibrationSnapshot{
		BinningMode: mode,
		Params:      string(paramsJSON),
		Buckets:     string(bucketsJSON),
	})
}

// Load returns the model from the latest persisted snapshot, or nil
// when none exists; a nil model makes Lookup fall back to raw prices.
func Load(db *database.Database, mode string) (*Model, error) {
	snap, err := db.LatestCalibrationSnapshot(mode)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn().Str("mode", mode).Msg("No calibration snapshot, using raw probabilities")
			return nil, nil
		}
		return nil, err
	}
	var params Params
	if err := json.Unmarshal([]byte(snap.Params), &params); err != nil {
		return nil, err
	}
	var buckets []Bucket
	if err := json.Unmarshal([]byte(snap.Buckets), &buckets); err != nil {
		return nil, err
	}
	return &Model{params: params, buckets: buckets}, nil
}

// NewModel builds a model directly from params and buckets. Used by
// tests and the backtest harness.
func NewModel(params Params, buckets []Bucket) *Model {
	return &Model{params: params, buckets: buckets}
}
