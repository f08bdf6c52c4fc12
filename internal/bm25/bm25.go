// Package bm25 ranks documents against a query with Okapi BM25.
package bm25

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// Ranking parameters.
const (
	K1 = 1.5
	B  = 0.75
)

// Stats supplies corpus statistics. DocumentLength reports false when the
// document has no metadata.
type Stats interface {
	TermFrequency(ctx context.Context, token string, docID int64) (int, error)
	DocumentFrequency(ctx context.Context, token string) (int, error)
	DocumentCount(ctx context.Context) (int, error)
	DocumentLength(ctx context.Context, docID int64) (int, bool, error)
	AverageDocumentLength(ctx context.Context) (float64, error)
}

// Tokenizer converts a query into index terms.
type Tokenizer interface {
	Tokenize(text string) []string
}

// Scored pairs a document with its score.
type Scored struct {
	DocID int64
	Score float64
}

// IDF returns ln((n - df + 0.5) / (df + 0.5) + 1).
func IDF(n, df int) float64 {
	return math.Log((float64(n)-float64(df)+0.5)/(float64(df)+0.5) + 1)
}

// TermScore is the contribution of one query term to a document score.
func TermScore(tf int, idf, docLen, avgLen float64) float64 {
	if tf <= 0 {
		return 0
	}
	if avgLen <= 0 {
		avgLen = 1
	}
	f := float64(tf)
	return idf * f * (K1 + 1) / (f + K1*(1-B+B*docLen/avgLen))
}

// Ranker scores documents from Stats.
type Ranker struct {
	stats     Stats
	tokenizer Tokenizer
}

// New returns a Ranker.
func New(stats Stats, tokenizer Tokenizer) *Ranker {
	return &Ranker{stats: stats, tokenizer: tokenizer}
}

// Score returns the BM25 score of docID for query. Documents without
// metadata score 0.
func (r *Ranker) Score(ctx context.Context, query string, docID int64) (float64, error) {
	scored, err := r.RankTokens(ctx, r.tokenizer.Tokenize(query), []int64{docID})
	if err != nil {
		return 0, err
	}
	return scored[0].Score, nil
}

// Rank scores every docID for query, highest first. Equal scores keep the
// input order.
func (r *Ranker) Rank(ctx context.Context, query string, docIDs []int64) ([]Scored, error) {
	scored, err := r.RankTokens(ctx, r.tokenizer.Tokenize(query), docIDs)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	return scored, nil
}

// RankTokens scores docIDs for already tokenized query terms, in input order.
// Corpus-wide statistics are read once per call.
func (r *Ranker) RankTokens(ctx context.Context, tokens []string, docIDs []int64) ([]Scored, error) {
	scored := make([]Scored, len(docIDs))
	for i, id := range docIDs {
		scored[i].DocID = id
	}
	if len(tokens) == 0 || len(docIDs) == 0 {
		return scored, nil
	}

	n, err := r.stats.DocumentCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("document count: %w", err)
	}
	avgLen, err := r.stats.AverageDocumentLength(ctx)
	if err != nil {
		return nil, fmt.Errorf("average document length: %w", err)
	}
	idfs := make(map[string]float64, len(tokens))
	for _, token := range tokens {
		if _, ok := idfs[token]; ok {
			continue
		}
		df, err := r.stats.DocumentFrequency(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("document frequency %q: %w", token, err)
		}
		idfs[token] = IDF(n, df)
	}

	for i := range scored {
		docLen, ok, err := r.stats.DocumentLength(ctx, scored[i].DocID)
		if err != nil {
			return nil, fmt.Errorf("document length %d: %w", scored[i].DocID, err)
		}
		if !ok {
			continue
		}
		var total float64
		for _, token := range tokens {
			tf, err := r.stats.TermFrequency(ctx, token, scored[i].DocID)
			if err != nil {
				return nil, fmt.Errorf("term frequency %q: %w", token, err)
			}
			total += TermScore(tf, idfs[token], float64(docLen), avgLen)
		}
		scored[i].Score = total
	}
	return scored, nil
}
