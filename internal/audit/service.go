// Package audit appends and pages through the immutable governance trail.
package audit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/promptplane/internal/apperr"
	"github.com/nikhilbhutani/promptplane/internal/models"
	"github.com/nikhilbhutani/promptplane/internal/store"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

type Service struct {
	store store.Store
	now   func() time.Time
}

type Option func(*Service)

// WithClock overrides the time source used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(s store.Store, opts ...Option) *Service {
	svc := &Service{store: s, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Entry is one governance event. Before and After are marshaled as JSON.
type Entry struct {
	TenantID   string
	Actor      string
	Action     models.AuditAction
	TargetType string
	TargetID   string
	TargetName string
	Before     any
	After      any
}

// Append writes entry inside tx. A failure here must abort the caller's
// transaction so that no mutation commits without its trail.
func (s *Service) Append(ctx context.Context, tx store.Tx, entry Entry) (*models.AuditLogEntry, error) {
	switch {
	case strings.TrimSpace(entry.TenantID) == "":
		return nil, apperr.Validation("audit.Append", "tenant is required")
	case strings.TrimSpace(entry.Actor) == "":
		return nil, apperr.Validation("audit.Append", "actor is required")
	case entry.Action == "":
		return nil, apperr.Validation("audit.Append", "action is required")
	case entry.TargetType == "" || entry.TargetID == "":
		return nil, apperr.Validation("audit.Append", "target is required")
	}

	before, err := marshalState(entry.Before)
	if err != nil {
		return nil, fmt.Errorf("marshal before state: %w", err)
	}
	after, err := marshalState(entry.After)
	if err != nil {
		return nil, fmt.Errorf("marshal after state: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate audit id: %w", err)
	}
	e := &models.AuditLogEntry{
		ID:         id,
		TenantID:   entry.TenantID,
		Actor:      entry.Actor,
		Action:     entry.Action,
		TargetType: entry.TargetType,
		TargetID:   entry.TargetID,
		TargetName: entry.TargetName,
		Before:     before,
		After:      after,
		CreatedAt:  s.now().UTC().Truncate(time.Microsecond),
	}
	if err := tx.InsertAuditEntry(ctx, e); err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}
	return e, nil
}

func marshalState(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

type Query struct {
	Action     string
	TargetType string
	Cursor     string
	Limit      int
}

type Page struct {
	Entries    []models.AuditLogEntry `json:"entries"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

// List returns entries newest first. NextCursor is empty on the last page.
func (s *Service) List(ctx context.Context, tenantID string, q Query) (*Page, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	f := store.AuditFilter{
		TenantID:   tenantID,
		Action:     q.Action,
		TargetType: q.TargetType,
		Limit:      limit + 1,
	}
	if q.Cursor != "" {
		ts, id, err := DecodeCursor(q.Cursor)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "audit.List", err)
		}
		f.BeforeTime = &ts
		f.BeforeID = id
	}

	entries, err := s.store.ListAuditEntries(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}

	page := &Page{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		last := page.Entries[limit-1]
		page.NextCursor = EncodeCursor(last.CreatedAt, last.ID)
	}
	if page.Entries == nil {
		page.Entries = []models.AuditLogEntry{}
	}
	return page, nil
}

func EncodeCursor(ts time.Time, id uuid.UUID) string {
	raw := strconv.FormatInt(ts.UTC().UnixMicro(), 10) + ":" + id.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

var errBadCursor = errors.New("malformed cursor")

func DecodeCursor(cursor string) (time.Time, uuid.UUID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, uuid.Nil, errBadCursor
	}
	micros, idPart, ok := strings.Cut(string(raw), ":")
	if !ok {
		return time.Time{}, uuid.Nil, errBadCursor
	}
	us, err := strconv.ParseInt(micros, 10, 64)
	if err != nil {
		return time.Time{}, uuid.Nil, errBadCursor
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return time.Time{}, uuid.Nil, errBadCursor
	}
	return time.UnixMicro(us).UTC(), id, nil
}
