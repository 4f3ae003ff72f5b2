package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"panelsim/internal/types"
)

// Chunk is one document fragment with its embedding, ready to store.
type Chunk struct {
	Index     int
	Text      string
	Embedding []float32
}

// InsertDocument registers a document and stores its chunks. Chunk
// embeddings go into both the blob column and, when available, the
// vec0 index keyed by the chunk rowid. Returns the document ID.
func (s *Store) InsertDocument(ctx context.Context, userID, source string, chunks []Chunk) (string, error) {
	if len(chunks) == 0 {
		return "", &types.ValidationError{Field: "chunks", Reason: "empty document"}
	}
	docID := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO documents (id, user_id, source) VALUES (?, ?, ?)", docID, userID, source)
	if err != nil {
		return "", fmt.Errorf("inserting document: %w", err)
	}

	for _, c := range chunks {
		if len(c.Embedding) != s.dims {
			return "", &types.ValidationError{Field: "embedding",
				Reason: fmt.Sprintf("chunk %d has %d dimensions, index expects %d", c.Index, len(c.Embedding), s.dims)}
		}
		blob := serializeFloat32(c.Embedding)
		res, err := tx.ExecContext(ctx,
			"INSERT INTO document_chunks (document_id, chunk_index, text, embedding) VALUES (?, ?, ?, ?)",
			docID, c.Index, c.Text, blob)
		if err != nil {
			return "", fmt.Errorf("inserting chunk: %w", err)
		}
		if s.vectorExt {
			rowID, err := res.LastInsertId()
			if err != nil {
				return "", err
			}
			_, err = tx.ExecContext(ctx,
				"INSERT INTO vec_chunks (rowid, embedding) VALUES (?, ?)", rowID, blob)
			if err != nil {
				return "", fmt.Errorf("indexing chunk: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return docID, nil
}

// Document is a stored document header with its chunk count.
type Document struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	ChunkCount int       `json:"chunk_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListDocuments returns a user's documents, newest first.
func (s *Store) ListDocuments(ctx context.Context, userID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.source, d.created_at, COUNT(c.id)
		 FROM documents d
		 LEFT JOIN document_chunks c ON c.document_id = d.id
		 WHERE d.user_id = ?
		 GROUP BY d.id
		 ORDER BY d.created_at DESC, d.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.Source, &d.CreatedAt, &d.ChunkCount); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// SearchChunks returns the topK chunks nearest the query embedding,
// best first. With the vec0 index it is an ANN query; otherwise an
// exhaustive cosine scan over the blob column.
func (s *Store) SearchChunks(ctx context.Context, embedding []float32, topK int) ([]types.RetrievedChunk, error) {
	if topK <= 0 {
		topK = 5
	}
	if len(embedding) != s.dims {
		return nil, &types.ValidationError{Field: "embedding",
			Reason: fmt.Sprintf("query has %d dimensions, index expects %d", len(embedding), s.dims)}
	}
	if s.vectorExt {
		return s.searchVec(ctx, embedding, topK)
	}
	return s.searchScan(ctx, embedding, topK)
}

func (s *Store) searchVec(ctx context.Context, embedding []float32, topK int) ([]types.RetrievedChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.document_id, c.chunk_index, c.text, d.source, v.distance
		FROM vec_chunks v
		JOIN document_chunks c ON c.id = v.rowid
		JOIN documents d ON d.id = c.document_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance`,
		serializeFloat32(embedding), topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.RetrievedChunk
	for rows.Next() {
		var c types.RetrievedChunk
		var distance float64
		if err := rows.Scan(&c.DocumentID, &c.ChunkIndex, &c.Text, &c.Source, &distance); err != nil {
			return nil, err
		}
		c.Score = 1 - distance
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) searchScan(ctx context.Context, embedding []float32, topK int) ([]types.RetrievedChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.document_id, c.chunk_index, c.text, d.source, c.embedding
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.embedding IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.RetrievedChunk
	for rows.Next() {
		var c types.RetrievedChunk
		var blob []byte
		var source sql.NullString
		if err := rows.Scan(&c.DocumentID, &c.ChunkIndex, &c.Text, &source, &blob); err != nil {
			return nil, err
		}
		c.Source = source.String
		stored, err := deserializeFloat32(blob)
		if err != nil {
			return nil, err
		}
		if len(stored) != len(embedding) {
			continue
		}
		c.Score = CosineSimilarity(embedding, stored)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// CosineSimilarity returns the cosine of the angle between a and b,
// or 0 when either has zero magnitude.
func CosineSimilarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		af, bf := float64(a[i]), float64(b[i])
		dot += af * bf
		na += af * af
		nb += bf * bf
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// serializeFloat32 packs a vector into the little-endian blob format
// sqlite-vec expects.
func serializeFloat32(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func deserializeFloat32(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, errors.New("embedding blob length not a multiple of 4")
	}
	out := make([]float32, len(blob)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out, nil
}
