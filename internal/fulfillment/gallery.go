package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type galleryRequest struct {
	GalleryID string `json:"gallery_id"`
}

type galleryResult struct {
	GalleryID  string    `json:"gallery_id"`
	UnlockedAt time.Time `json:"unlocked_at"`
}

// GalleryAdapter records a gallery unlock for the acting user. Unlocking the
// same gallery twice fails with ErrAlreadyUnlocked, so the second charge is
// refunded.
type GalleryAdapter struct {
	db rowQuerier
}

func NewGalleryAdapter(db rowQuerier) *GalleryAdapter {
	return &GalleryAdapter{db: db}
}

func (a *GalleryAdapter) Fulfill(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	userID, ok := UserFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("%w: no user in context", ErrInvalidPayload)
	}

	var req galleryRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	req.GalleryID = strings.TrimSpace(req.GalleryID)
	if req.GalleryID == "" {
		return nil, ErrInvalidPayload
	}

	result := galleryResult{GalleryID: req.GalleryID}
	err := a.db.QueryRow(ctx,
		`INSERT INTO gallery_unlocks (user_id, gallery_id) VALUES ($1, $2)
		 ON CONFLICT (user_id, gallery_id) DO NOTHING
		 RETURNING unlocked_at`,
		userID, req.GalleryID,
	).Scan(&result.UnlockedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAlreadyUnlocked
	}
	if err != nil {
		return nil, fmt.Errorf("gallery unlock failed: %w", err)
	}
	return json.Marshal(result)
}
