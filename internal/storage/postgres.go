package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/user/product-ingest/internal/domain"
)

const documentColumns = `product_id, text_content, image_path, text_embedding, image_embedding,
	name, description, category, price, brand, created_at, updated_at, source_url`

// PostgresDocumentStore keeps product documents in a pgvector-enabled table
// named after the collection.
type PostgresDocumentStore struct {
	db         *pgxpool.Pool
	collection string
	table      string
}

// NewPostgresDocumentStore connects to connStr and creates the collection
// table and its vector indexes when missing.
func NewPostgresDocumentStore(ctx context.Context, connStr, collection string) (*PostgresDocumentStore, error) {
	// The vector type must exist before pooled connections register its codec.
	if err := ensureVectorExtension(ctx, connStr); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres url: %w", domain.ErrInvalidInput, err)
	}
	poolCfg.AfterConnect = pgxvec.RegisterTypes
	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	s := &PostgresDocumentStore{
		db:         db,
		collection: collection,
		table:      pgx.Identifier{collection}.Sanitize(),
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", collection, err)
	}
	return s, nil
}

func ensureVectorExtension(ctx context.Context, connStr string) error {
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		return fmt.Errorf("unable to connect to database: %w", err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	return nil
}

func (s *PostgresDocumentStore) migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			product_id      TEXT PRIMARY KEY,
			text_content    TEXT NOT NULL DEFAULT '',
			image_path      TEXT NOT NULL DEFAULT '',
			text_embedding  vector(%d),
			image_embedding vector(%d),
			name            TEXT NOT NULL DEFAULT '',
			description     TEXT NOT NULL DEFAULT '',
			category        TEXT NOT NULL DEFAULT '',
			price           DOUBLE PRECISION,
			brand           TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL,
			source_url      TEXT NOT NULL DEFAULT ''
		)`, s.table, domain.TextEmbeddingDim, domain.ImageEmbeddingDim),
		fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS source_url TEXT NOT NULL DEFAULT ''`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (text_embedding vector_cosine_ops)`,
			pgx.Identifier{s.collection + "_text_embedding_idx"}.Sanitize(), s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (image_embedding vector_cosine_ops)`,
			pgx.Identifier{s.collection + "_image_embedding_idx"}.Sanitize(), s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresDocumentStore) Collection() string { return s.collection }

func (s *PostgresDocumentStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresDocumentStore) Close() {
	s.db.Close()
}

// Set upserts doc. created_at of an existing row is kept.
func (s *PostgresDocumentStore) Set(ctx context.Context, doc *domain.ProductDocument) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (product_id) DO UPDATE SET
			text_content = EXCLUDED.text_content,
			image_path = EXCLUDED.image_path,
			text_embedding = EXCLUDED.text_embedding,
			image_embedding = EXCLUDED.image_embedding,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			category = EXCLUDED.category,
			price = EXCLUDED.price,
			brand = EXCLUDED.brand,
			updated_at = EXCLUDED.updated_at,
			source_url = EXCLUDED.source_url`, s.table, documentColumns)

	_, err := s.db.Exec(ctx, query,
		doc.ProductID,
		doc.TextContent,
		doc.ImagePath,
		nullableVector(doc.TextEmbedding),
		nullableVector(doc.ImageEmbedding),
		doc.Name,
		doc.Description,
		doc.Category,
		doc.Price,
		doc.Brand,
		doc.CreatedAt,
		doc.UpdatedAt,
		doc.SourceURL,
	)
	return err
}

func (s *PostgresDocumentStore) Get(ctx context.Context, productID string) (*domain.ProductDocument, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE product_id = $1`, documentColumns, s.table)
	doc, err := scanDocument(s.db.QueryRow(ctx, query, productID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: product %s", domain.ErrNotFound, productID)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *PostgresDocumentStore) Stream(ctx context.Context, fn func(domain.ProductDocument) error) error {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at, product_id`, documentColumns, s.table)
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return err
		}
		if err := fn(*doc); err != nil {
			return err
		}
	}
	return rows.Err()
}

// FindNearest orders rows with a non-null field by the pgvector distance
// operator of measure.
func (s *PostgresDocumentStore) FindNearest(ctx context.Context, field domain.VectorField, query []float32, limit int, measure domain.DistanceMeasure) ([]domain.Neighbor, error) {
	column, err := vectorColumn(field)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	sql := fmt.Sprintf(`SELECT %s, %s %s $1 AS distance FROM %s
		WHERE %s IS NOT NULL
		ORDER BY distance
		LIMIT $2`, documentColumns, column, distanceOperator(measure), s.table, column)

	rows, err := s.db.Query(ctx, sql, pgvector.NewVector(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Neighbor
	for rows.Next() {
		var n domain.Neighbor
		var textVec, imageVec *pgvector.Vector
		if err := rows.Scan(
			&n.Document.ProductID,
			&n.Document.TextContent,
			&n.Document.ImagePath,
			&textVec,
			&imageVec,
			&n.Document.Name,
			&n.Document.Description,
			&n.Document.Category,
			&n.Document.Price,
			&n.Document.Brand,
			&n.Document.CreatedAt,
			&n.Document.UpdatedAt,
			&n.Document.SourceURL,
			&n.Distance,
		); err != nil {
			return nil, err
		}
		n.Document.TextEmbedding = vectorSlice(textVec)
		n.Document.ImageEmbedding = vectorSlice(imageVec)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresDocumentStore) Delete(ctx context.Context, productID string) error {
	tag, err := s.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE product_id = $1`, s.table), productID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: product %s", domain.ErrNotFound, productID)
	}
	return nil
}

func scanDocument(row pgx.Row) (*domain.ProductDocument, error) {
	var doc domain.ProductDocument
	var textVec, imageVec *pgvector.Vector
	err := row.Scan(
		&doc.ProductID,
		&doc.TextContent,
		&doc.ImagePath,
		&textVec,
		&imageVec,
		&doc.Name,
		&doc.Description,
		&doc.Category,
		&doc.Price,
		&doc.Brand,
		&doc.CreatedAt,
		&doc.UpdatedAt,
		&doc.SourceURL,
	)
	if err != nil {
		return nil, err
	}
	doc.TextEmbedding = vectorSlice(textVec)
	doc.ImageEmbedding = vectorSlice(imageVec)
	return &doc, nil
}

// nullableVector stores an empty embedding as NULL.
func nullableVector(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}

func vectorSlice(v *pgvector.Vector) []float32 {
	if v == nil {
		return []float32{}
	}
	return v.Slice()
}

func vectorColumn(field domain.VectorField) (string, error) {
	switch field {
	case domain.FieldTextEmbedding:
		return "text_embedding", nil
	case domain.FieldImageEmbedding:
		return "image_embedding", nil
	default:
		return "", fmt.Errorf("%w: unknown vector field %q", domain.ErrInvalidInput, field)
	}
}

func distanceOperator(measure domain.DistanceMeasure) string {
	switch measure {
	case domain.DistanceEuclidean:
		return "<->"
	case domain.DistanceDotProduct:
		return "<#>"
	default:
		return "<=>"
	}
}
