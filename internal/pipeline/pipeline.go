// Package pipeline runs the configured attacks over a dataset: a primary pass
// over every substring, a deferred reference pass, and per-document
// aggregation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/straja-ai/mia/internal/attack"
	"github.com/straja-ai/mia/internal/config"
	"github.com/straja-ai/mia/internal/dataset"
	"github.com/straja-ai/mia/internal/lm"
	"github.com/straja-ai/mia/internal/neighbor"
	"github.com/straja-ai/mia/internal/redact"
	"github.com/straja-ai/mia/internal/telemetry"
)

// Options wires a pipeline.
type Options struct {
	Config *config.Config
	// Target is loaded and unloaded by the caller.
	Target    lm.Model
	Attackers []*attack.Attacker
	// Cache holds neighbors. When nil, neighbors supplied with the dataset
	// are used; without either the neighborhood attack is skipped.
	Cache neighbor.Cache
	// Generator produces neighbors in dump mode.
	Generator neighbor.Generator
	// Dataset names the data in logs and metrics, e.g. "member".
	Dataset   string
	Telemetry *telemetry.Provider
	Logger    *zap.Logger
}

// Result is the output of one run.
type Result struct {
	// Predictions maps a result id to one aggregate per input document.
	Predictions map[string][]Prediction
	// Samples are the scored substrings of every document.
	Samples [][]string
	Records []Record
}

// Pipeline scores one dataset. It runs sequentially.
type Pipeline struct {
	cfg       *config.Config
	target    lm.Model
	cache     neighbor.Cache
	gen       neighbor.Generator
	dataset   string
	tel       *telemetry.Provider
	log       *zap.Logger
	reduce    Reducer
	primary   []*attack.Attacker
	reference []*attack.Attacker
	ne        *attack.Attacker
}

// New checks the configuration and splits the attackers by pass. Every
// configuration error is returned here, before any model work.
func New(opts Options) (*Pipeline, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("%w: pipeline config is nil", config.ErrConfig)
	}
	if opts.Target == nil {
		return nil, fmt.Errorf("%w: pipeline target model is nil", config.ErrConfig)
	}
	if err := config.ValidateNeighborhood(opts.Config.NeighborhoodConfig); err != nil {
		return nil, err
	}
	reduce, err := ReducerByName(opts.Config.Aggregation)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:     opts.Config,
		target:  opts.Target,
		cache:   opts.Cache,
		gen:     opts.Generator,
		dataset: opts.Dataset,
		tel:     opts.Telemetry,
		log:     opts.Logger,
		reduce:  reduce,
	}
	if p.log == nil {
		p.log = zap.L()
	}
	if p.tel == nil {
		p.tel = telemetry.Noop()
	}
	if p.dataset == "" {
		p.dataset = "dataset"
	}
	p.log = p.log.With(zap.String("dataset", p.dataset))

	for _, a := range opts.Attackers {
		switch a.Kind() {
		case attack.KindLoss:
			// The loss is recorded for every substring regardless.
		case attack.KindReference:
			p.reference = append(p.reference, a)
		case attack.KindNeighborhood:
			p.ne = a
		default:
			p.primary = append(p.primary, a)
		}
	}

	if p.dumping() {
		if p.gen == nil {
			return nil, fmt.Errorf("%w: dump_cache needs a neighbor generator (neighborhood_config.model)", config.ErrConfig)
		}
		if p.cache == nil {
			return nil, fmt.Errorf("%w: dump_cache needs a neighbor cache to write to", config.ErrConfig)
		}
	}
	return p, nil
}

func (p *Pipeline) dumping() bool {
	return p.ne != nil && p.cfg.DumpingNeighbors()
}

// Run scores data and aggregates the result.
func (p *Pipeline) Run(ctx context.Context, data dataset.Data) (*Result, error) {
	ctx, span := p.tel.Tracer().Start(ctx, "mia.pipeline.run", trace.WithAttributes(p.runAttributes(len(data.Records))...))
	defer span.End()

	cache := p.cache
	if cache == nil && p.cfg.LoadingNeighbors() && data.Neighbors != nil {
		cache = neighbor.NewMemoryCache(data.Neighbors, "")
	}
	if p.ne != nil && !p.dumping() && cache == nil {
		p.log.Warn("neighborhood attack requested but no neighbor cache is available; it will be skipped")
	}

	if p.dumping() {
		if err := p.gen.Load(ctx); err != nil {
			return nil, fmt.Errorf("load neighbor generator: %w", err)
		}
		defer p.gen.Unload()
	}

	records, err := p.primaryPass(ctx, cache, dataset.Limit(data.Records, p.cfg.NSamples))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if p.dumping() {
		p.logCacheSize(cache)
	}
	records, err = p.referencePass(ctx, records)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	res := &Result{
		Predictions: aggregate(records, p.reduce),
		Samples:     make([][]string, len(records)),
		Records:     records,
	}
	for i, rec := range records {
		res.Samples[i] = rec.Samples
	}
	return res, nil
}

func (p *Pipeline) primaryPass(ctx context.Context, cache neighbor.Cache, docs []dataset.Document) ([]Record, error) {
	batch := p.cfg.BatchSize
	if batch <= 0 {
		batch = len(docs)
	}
	batches := 0
	if batch > 0 {
		batches = (len(docs) + batch - 1) / batch
	}

	records := make([]Record, 0, len(docs))
	for b := 0; b < batches; b++ {
		start := b * batch
		end := min(start+batch, len(docs))
		p.log.Info("scoring batch", zap.Int("batch", b+1), zap.Int("batches", batches), zap.Int("documents", end-start))
		for i := start; i < end; i++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			rec, err := p.scoreDocument(ctx, cache, i, docs[i])
			if err != nil {
				return nil, fmt.Errorf("document %d: %w", i, err)
			}
			records = append(records, rec)
		}
	}
	return records, nil
}

func (p *Pipeline) scoreDocument(ctx context.Context, cache neighbor.Cache, index int, doc dataset.Document) (Record, error) {
	if p.cfg.FullDoc {
		doc = dataset.Whole(doc)
	} else {
		doc = dataset.Truncate(doc, p.cfg.MaxSubstrs)
	}
	rec := newRecord(index, len(doc.Substrings), p.cfg.Pretokenized)

	for j, substr := range doc.Substrings {
		sample, detok := p.prepare(substr)
		rec.Samples = append(rec.Samples, detok)
		if p.cfg.Pretokenized {
			rec.Tokens = append(rec.Tokens, substr.Tokens)
		}

		probs, err := p.target.Probabilities(ctx, sample)
		if err != nil {
			return Record{}, fmt.Errorf("target probabilities: %w", err)
		}
		loss, err := p.target.LogLikelihood(ctx, sample, probs)
		if err != nil {
			return Record{}, fmt.Errorf("target loss: %w", err)
		}
		rec.Loss = append(rec.Loss, loss)
		rec.add(attack.KindLoss.String(), loss)

		opts := attack.Options{Loss: &loss}
		if p.cfg.Pretokenized {
			opts.Detokenized = &detok
		}
		for _, a := range p.primary {
			score, err := p.attack(ctx, a, a.ID(), sample, probs, opts)
			if err != nil {
				return Record{}, err
			}
			rec.add(a.ID(), score)
		}

		if p.ne == nil {
			continue
		}
		if p.dumping() {
			if err := p.dumpNeighbors(ctx, cache, index, j, detok); err != nil {
				return Record{}, err
			}
			continue
		}
		if err := p.scoreNeighborhood(ctx, cache, &rec, index, j, sample, probs, opts); err != nil {
			return Record{}, err
		}
	}

	p.tel.RecordDocument(ctx, p.dataset, len(doc.Substrings))
	redact.Debugf("scored document %d (%d substrings) %s", index, len(doc.Substrings), redact.Sample(first(rec.Samples)))
	return rec, nil
}

// prepare returns the sample handed to the target and its text. Token ids
// without text are detokenized with the target tokenizer.
func (p *Pipeline) prepare(s lm.Sample) (lm.Sample, string) {
	if !p.cfg.Pretokenized || !s.Pretokenized() {
		return lm.Sample{Text: s.Text}, s.Text
	}
	text := s.Text
	if text == "" {
		text = p.target.Tokenizer().Decode(s.Tokens)
	}
	return lm.Sample{Text: text, Tokens: s.Tokens}, text
}

func (p *Pipeline) attack(ctx context.Context, a *attack.Attacker, id string, sample lm.Sample, probs *lm.TokenProbabilities, opts attack.Options) (float64, error) {
	start := time.Now()
	score, err := a.Attack(ctx, sample, probs, opts)
	if err != nil {
		return 0, err
	}
	p.tel.RecordAttack(ctx, id, float64(time.Since(start).Microseconds())/1000)
	return score, nil
}

func (p *Pipeline) scoreNeighborhood(ctx context.Context, cache neighbor.Cache, rec *Record, doc, substr int, sample lm.Sample, probs *lm.TokenProbabilities, opts attack.Options) error {
	for _, n := range p.cfg.NPerturbations() {
		id := attack.NeighborhoodID(n)
		if cache == nil {
			p.tel.RecordSkip(ctx, id)
			continue
		}
		neighbors, ok, err := cache.Lookup(ctx, neighbor.Key{N: n, Doc: doc, Substr: substr})
		if err != nil {
			return err
		}
		if !ok || len(neighbors) == 0 {
			p.tel.RecordSkip(ctx, id)
			continue
		}
		nopts := opts
		nopts.Neighbors = neighbors
		score, err := p.attack(ctx, p.ne, id, sample, probs, nopts)
		if err != nil {
			return err
		}
		rec.add(id, score)
	}
	return nil
}

func (p *Pipeline) dumpNeighbors(ctx context.Context, cache neighbor.Cache, doc, substr int, text string) error {
	for _, n := range p.cfg.NPerturbations() {
		neighbors, err := p.gen.Neighbors(ctx, text, n)
		if err != nil {
			return fmt.Errorf("generate %d neighbors: %w", n, err)
		}
		if err := cache.Store(ctx, neighbor.Key{N: n, Doc: doc, Substr: substr}, neighbors); err != nil {
			return err
		}
	}
	return nil
}

// referencePass scores every record under each reference attacker, one
// attacker at a time, unloading each when it is done. It reuses the stored
// loss and never recomputes target probabilities.
func (p *Pipeline) referencePass(ctx context.Context, records []Record) ([]Record, error) {
	if len(p.reference) == 0 {
		p.log.Info("No reference models specified, skipping Reference-based attacks")
		return records, nil
	}

	out := append([]Record(nil), records...)
	for _, a := range p.reference {
		p.log.Info("running reference attack", zap.String("attack", a.ID()))
		for i, rec := range out {
			scores := make([]float64, 0, len(rec.Samples))
			for j, text := range rec.Samples {
				sample := lm.Sample{Text: text}
				if rec.Tokens != nil {
					sample.Tokens = rec.Tokens[j]
				}
				opts := attack.Options{Loss: &rec.Loss[j], Detokenized: &rec.Samples[j]}
				score, err := p.attack(ctx, a, a.ID(), sample, nil, opts)
				if err != nil {
					return nil, errors.Join(fmt.Errorf("document %d: %w", rec.Index, err), a.Unload())
				}
				scores = append(scores, score)
			}
			out[i] = rec.with(a.ID(), scores)
		}
		if err := a.Unload(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// runAttributes describes the run on its span. Sample text never reaches it.
func (p *Pipeline) runAttributes(records int) []attribute.KeyValue {
	ids := make([]string, 0, len(p.primary)+len(p.reference)+2)
	ids = append(ids, attack.KindLoss.String())
	for _, a := range p.primary {
		ids = append(ids, a.ID())
	}
	for _, a := range p.reference {
		ids = append(ids, a.ID())
	}
	if p.ne != nil {
		ids = append(ids, p.ne.ID())
	}
	mode := "none"
	switch {
	case p.dumping():
		mode = "dump"
	case p.cfg.LoadingNeighbors():
		mode = "load"
	}
	return telemetry.SafeAttributes(map[string]any{
		"mia.dataset":     p.dataset,
		"mia.records":     records,
		"mia.attacks":     ids,
		"mia.aggregation": p.cfg.Aggregation,
		"mia.max_substrs": p.cfg.MaxSubstrs,
		"mia.full_doc":    p.cfg.FullDoc,
		"mia.cache_mode":  mode,
		"mia.n_perturb":   p.cfg.NPerturbations(),
	})
}

func (p *Pipeline) logCacheSize(cache neighbor.Cache) {
	c, ok := cache.(neighbor.Counter)
	if !ok {
		return
	}
	n, err := c.Count()
	if err != nil {
		p.log.Warn("count neighbor cache entries", zap.Error(err))
		return
	}
	p.log.Info("neighbor cache populated", zap.Int("entries", n))
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
