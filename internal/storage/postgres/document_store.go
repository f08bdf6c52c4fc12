package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/selfsearch/internal/crawler"
)

// DefaultMaxLinksStored caps the link edges recorded per document.
const DefaultMaxLinksStored = 50

const documentColumns = `id, url, content, content_hash, crawl_depth, ip_address, processed, created_at`

// DocumentStore implements crawler.DocumentStore on Postgres.
type DocumentStore struct {
	pool     Pool
	maxLinks int
}

var _ crawler.DocumentStore = (*DocumentStore)(nil)

// NewDocumentStoreWithPool constructs a store from an existing pool.
func NewDocumentStoreWithPool(pool Pool, maxLinks int) (*DocumentStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if maxLinks <= 0 {
		maxLinks = DefaultMaxLinksStored
	}
	return &DocumentStore{pool: pool, maxLinks: maxLinks}, nil
}

// Close releases the underlying pool resources.
func (s *DocumentStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *DocumentStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// StoreOrReject inserts doc and its links unless a document with the same URL
// or content hash exists, in which case the existing row is returned untouched.
func (s *DocumentStore) StoreOrReject(ctx context.Context, doc crawler.NewDocument) (result crawler.StoreResult, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return crawler.StoreResult{}, fmt.Errorf("begin store tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, err := findExisting(ctx, tx, doc.URL, doc.ContentHash)
	if err != nil {
		return crawler.StoreResult{}, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return crawler.StoreResult{}, fmt.Errorf("commit store tx: %w", err)
		}
		return crawler.StoreResult{Document: existing}, nil
	}

	inserted := crawler.Document{
		URL:         doc.URL,
		Content:     doc.Content,
		ContentHash: doc.ContentHash,
		CrawlDepth:  doc.CrawlDepth,
		IPAddress:   doc.IPAddress,
	}
	err = tx.QueryRow(ctx, `
INSERT INTO crawled_documents (url, content, content_hash, crawl_depth, ip_address)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT DO NOTHING
RETURNING id, processed, created_at`,
		doc.URL, doc.Content, doc.ContentHash, doc.CrawlDepth, doc.IPAddress,
	).Scan(&inserted.ID, &inserted.Processed, &inserted.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// A concurrent writer inserted the same URL or hash first.
		existing, found, err = findExisting(ctx, tx, doc.URL, doc.ContentHash)
		if err != nil {
			return crawler.StoreResult{}, err
		}
		if !found {
			err = fmt.Errorf("insert document %s: conflicting row not visible", doc.URL)
			return crawler.StoreResult{}, err
		}
		if err = tx.Commit(ctx); err != nil {
			return crawler.StoreResult{}, fmt.Errorf("commit store tx: %w", err)
		}
		return crawler.StoreResult{Document: existing}, nil
	}
	if err != nil {
		return crawler.StoreResult{}, fmt.Errorf("insert document: %w", err)
	}

	links := doc.Links
	if len(links) > s.maxLinks {
		links = links[:s.maxLinks]
	}
	if len(links) > 0 {
		rows := make([][]any, len(links))
		for i, link := range links {
			rows[i] = []any{inserted.ID, link}
		}
		if _, err = tx.CopyFrom(ctx, pgx.Identifier{"link_edges"}, []string{"document_id", "url"}, pgx.CopyFromRows(rows)); err != nil {
			return crawler.StoreResult{}, fmt.Errorf("insert link edges: %w", err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return crawler.StoreResult{}, fmt.Errorf("commit store tx: %w", err)
	}
	return crawler.StoreResult{Document: inserted, Created: true}, nil
}

// Get returns the document with id or crawler.ErrNotFound.
func (s *DocumentStore) Get(ctx context.Context, id int64) (crawler.Document, error) {
	doc, err := scanDocument(s.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM crawled_documents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Document{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Document{}, fmt.Errorf("get document %d: %w", id, err)
	}
	return doc, nil
}

// IsCrawled reports whether a document with url exists.
func (s *DocumentStore) IsCrawled(ctx context.Context, url string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM crawled_documents WHERE url = $1)`, url).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check crawled %s: %w", url, err)
	}
	return exists, nil
}

// FindDocuments runs a full-text AND query over tokens and, only when that
// finds nothing, a case-insensitive substring match on query. Results are
// ordered by crawl depth.
func (s *DocumentStore) FindDocuments(ctx context.Context, query string, tokens []string, limit int) ([]crawler.Document, error) {
	if limit <= 0 {
		limit = 20
	}
	if len(tokens) > 0 {
		docs, err := s.queryDocuments(ctx, `
SELECT `+documentColumns+`
FROM crawled_documents
WHERE content_tsv @@ plainto_tsquery('simple', $1)
ORDER BY crawl_depth ASC, id ASC
LIMIT $2`, strings.Join(tokens, " "), limit)
		if err != nil {
			return nil, fmt.Errorf("full-text search: %w", err)
		}
		if len(docs) > 0 {
			return docs, nil
		}
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	docs, err := s.queryDocuments(ctx, `
SELECT `+documentColumns+`
FROM crawled_documents
WHERE content ILIKE '%' || $1 || '%' ESCAPE '\'
ORDER BY crawl_depth ASC, id ASC
LIMIT $2`, escapeLike(query), limit)
	if err != nil {
		return nil, fmt.Errorf("contains search: %w", err)
	}
	return docs, nil
}

// ReplaceIndex rewrites the metadata, inverted index rows, and full-text
// vector of one document in a single transaction.
func (s *DocumentStore) ReplaceIndex(ctx context.Context, update crawler.IndexUpdate) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin index tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `UPDATE crawled_documents SET content_tsv = to_tsvector('simple', $2) WHERE id = $1`,
		update.DocumentID, strings.Join(update.Tokens, " "))
	if err != nil {
		return fmt.Errorf("update content vector: %w", err)
	}
	if tag.RowsAffected() == 0 {
		err = crawler.ErrNotFound
		return err
	}
	if _, err = tx.Exec(ctx, `
INSERT INTO document_metadata (doc_id, length) VALUES ($1, $2)
ON CONFLICT (doc_id) DO UPDATE SET length = EXCLUDED.length`,
		update.DocumentID, len(update.Tokens)); err != nil {
		return fmt.Errorf("upsert document metadata: %w", err)
	}
	if _, err = tx.Exec(ctx, `DELETE FROM inverted_index WHERE doc_id = $1`, update.DocumentID); err != nil {
		return fmt.Errorf("clear index rows: %w", err)
	}

	freqs := update.TermFrequencies()
	if len(freqs) > 0 {
		tokens := make([]string, 0, len(freqs))
		for token := range freqs {
			tokens = append(tokens, token)
		}
		sort.Strings(tokens)
		rows := make([][]any, len(tokens))
		for i, token := range tokens {
			rows[i] = []any{token, update.DocumentID, freqs[token]}
		}
		if _, err = tx.CopyFrom(ctx, pgx.Identifier{"inverted_index"}, []string{"token", "doc_id", "term_freq"}, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("insert index rows: %w", err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit index tx: %w", err)
	}
	return nil
}

// ListLinks returns the stored outgoing links of a document.
func (s *DocumentStore) ListLinks(ctx context.Context, id int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT url FROM link_edges WHERE document_id = $1 ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("list links %d: %w", id, err)
	}
	defer rows.Close()

	var links []string
	for rows.Next() {
		var link string
		if err := rows.Scan(&link); err != nil {
			return nil, fmt.Errorf("scan link row: %w", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate link rows: %w", err)
	}
	return links, nil
}

// DeleteDocument removes a document with its index rows, metadata, and links.
func (s *DocumentStore) DeleteDocument(ctx context.Context, id int64) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, stmt := range []string{
		`DELETE FROM inverted_index WHERE doc_id = $1`,
		`DELETE FROM document_metadata WHERE doc_id = $1`,
		`DELETE FROM link_edges WHERE document_id = $1`,
	} {
		if _, err = tx.Exec(ctx, stmt, id); err != nil {
			return fmt.Errorf("delete document %d dependents: %w", id, err)
		}
	}
	tag, err := tx.Exec(ctx, `DELETE FROM crawled_documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete document %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		err = crawler.ErrNotFound
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete tx: %w", err)
	}
	return nil
}

// ListUnprocessed returns up to limit documents not yet handled by the
// scheduler, oldest first.
func (s *DocumentStore) ListUnprocessed(ctx context.Context, limit int) ([]crawler.Document, error) {
	docs, err := s.queryDocuments(ctx, `
SELECT `+documentColumns+`
FROM crawled_documents
WHERE NOT processed
ORDER BY created_at ASC, id ASC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed: %w", err)
	}
	return docs, nil
}

// MarkProcessed flags a document as handled by the scheduler.
func (s *DocumentStore) MarkProcessed(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE crawled_documents SET processed = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark processed %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

// TermFrequency implements crawler.IndexStats.
func (s *DocumentStore) TermFrequency(ctx context.Context, token string, docID int64) (int, error) {
	var tf int
	err := s.pool.QueryRow(ctx, `SELECT term_freq FROM inverted_index WHERE token = $1 AND doc_id = $2`, token, docID).Scan(&tf)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("term frequency: %w", err)
	}
	return tf, nil
}

// DocumentFrequency implements crawler.IndexStats.
func (s *DocumentStore) DocumentFrequency(ctx context.Context, token string) (int, error) {
	var df int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM inverted_index WHERE token = $1`, token).Scan(&df); err != nil {
		return 0, fmt.Errorf("document frequency: %w", err)
	}
	return df, nil
}

// DocumentCount implements crawler.IndexStats.
func (s *DocumentStore) DocumentCount(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM document_metadata`).Scan(&n); err != nil {
		return 0, fmt.Errorf("document count: %w", err)
	}
	return n, nil
}

// DocumentLength implements crawler.IndexStats.
func (s *DocumentStore) DocumentLength(ctx context.Context, docID int64) (int, bool, error) {
	var length int
	err := s.pool.QueryRow(ctx, `SELECT length FROM document_metadata WHERE doc_id = $1`, docID).Scan(&length)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("document length: %w", err)
	}
	return length, true, nil
}

// AverageDocumentLength implements crawler.IndexStats.
func (s *DocumentStore) AverageDocumentLength(ctx context.Context) (float64, error) {
	var avg float64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(AVG(length), 0)::float8 FROM document_metadata`).Scan(&avg); err != nil {
		return 0, fmt.Errorf("average document length: %w", err)
	}
	return avg, nil
}

func (s *DocumentStore) queryDocuments(ctx context.Context, sql string, args ...any) ([]crawler.Document, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []crawler.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

func findExisting(ctx context.Context, q querier, url, hash string) (crawler.Document, bool, error) {
	doc, err := scanDocument(q.QueryRow(ctx, `
SELECT `+documentColumns+`
FROM crawled_documents
WHERE url = $1 OR content_hash = $2
ORDER BY id ASC
LIMIT 1`, url, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Document{}, false, nil
	}
	if err != nil {
		return crawler.Document{}, false, fmt.Errorf("lookup existing document: %w", err)
	}
	return doc, true, nil
}

func scanDocument(row pgx.Row) (crawler.Document, error) {
	var doc crawler.Document
	err := row.Scan(
		&doc.ID,
		&doc.URL,
		&doc.Content,
		&doc.ContentHash,
		&doc.CrawlDepth,
		&doc.IPAddress,
		&doc.Processed,
		&doc.CreatedAt,
	)
	return doc, err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
