// Package evidence records payment proof (receipt screenshots, statements)
// submitted for a request. Only the digest and metadata are kept here; the
// bytes live with the front end that received them.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const MaxSizeBytes = 10 << 20

var (
	ErrEmpty           = errors.New("evidence is empty")
	ErrTooLarge        = errors.New("evidence exceeds size limit")
	ErrContentType     = errors.New("unsupported evidence content type")
	ErrDigestMismatch  = errors.New("evidence digest mismatch")
	sha256HexPattern   = regexp.MustCompile(`^[A-Fa-f0-9]{64}$`)
	allowedContentType = map[string]bool{
		"image/jpeg":      true,
		"image/png":       true,
		"image/webp":      true,
		"application/pdf": true,
	}
)

type Record struct {
	EvidenceID  string    `json:"evidence_id"`
	RequestID   string    `json:"request_id"`
	ContentType string    `json:"content_type"`
	SHA256      string    `json:"sha256"`
	SizeBytes   int64     `json:"size_bytes"`
	SubmittedBy string    `json:"submitted_by"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Submission is the raw proof as received. DeclaredSHA256 is optional; when
// present it must match the payload.
type Submission struct {
	ContentType    string
	Data           []byte
	DeclaredSHA256 string
	SubmittedBy    string
}

// NewRecord validates s and derives its record.
func NewRecord(requestID string, s Submission, at time.Time) (Record, error) {
	if len(s.Data) == 0 {
		return Record{}, ErrEmpty
	}
	if len(s.Data) > MaxSizeBytes {
		return Record{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(s.Data))
	}
	ct := strings.ToLower(strings.TrimSpace(s.ContentType))
	if !allowedContentType[ct] {
		return Record{}, fmt.Errorf("%w: %q", ErrContentType, s.ContentType)
	}
	sum := sha256.Sum256(s.Data)
	actual := hex.EncodeToString(sum[:])
	if s.DeclaredSHA256 != "" {
		if !sha256HexPattern.MatchString(s.DeclaredSHA256) {
			return Record{}, fmt.Errorf("declared sha256 must be 64-char hex")
		}
		if !strings.EqualFold(s.DeclaredSHA256, actual) {
			return Record{}, fmt.Errorf("%w: declared=%s actual=%s", ErrDigestMismatch, s.DeclaredSHA256, actual)
		}
	}
	return Record{
		EvidenceID:  "evd_" + uuid.NewString(),
		RequestID:   requestID,
		ContentType: ct,
		SHA256:      actual,
		SizeBytes:   int64(len(s.Data)),
		SubmittedBy: s.SubmittedBy,
		SubmittedAt: at.UTC(),
	}, nil
}

type Store interface {
	Save(ctx context.Context, r Record) error
	ForRequest(ctx context.Context, requestID string) ([]Record, error)
}

type MemoryStore struct {
	mu      sync.Mutex
	records []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *MemoryStore) ForRequest(_ context.Context, requestID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0)
	for _, r := range s.records {
		if r.RequestID == requestID {
			out = append(out, r)
		}
	}
	return out, nil
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Save(ctx context.Context, r Record) error {
	const q = `
INSERT INTO payment_evidence (evidence_id, request_id, content_type, sha256, size_bytes, submitted_by, submitted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (evidence_id) DO NOTHING
`
	_, err := s.pool.Exec(ctx, q, r.EvidenceID, r.RequestID, r.ContentType, r.SHA256, r.SizeBytes, r.SubmittedBy, r.SubmittedAt)
	return err
}

func (s *PostgresStore) ForRequest(ctx context.Context, requestID string) ([]Record, error) {
	const q = `
SELECT evidence_id, request_id, content_type, sha256, size_bytes, submitted_by, submitted_at
FROM payment_evidence
WHERE request_id = $1
ORDER BY submitted_at ASC
`
	rows, err := s.pool.Query(ctx, q, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Record, 0)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.EvidenceID, &r.RequestID, &r.ContentType, &r.SHA256, &r.SizeBytes, &r.SubmittedBy, &r.SubmittedAt); err != nil {
			return nil, err
		}
		r.SubmittedAt = r.SubmittedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
