// Package signal exchanges session descriptions and ICE candidates through
// a shared document store. A room is one document in "rooms" plus two
// append-only candidate collections beneath it.
package signal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"roomcall/native/internal/domain"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// RoomsCollection holds the room documents.
const RoomsCollection = "rooms"

// CandidatesCollection names the collection role writes its candidates to.
func CandidatesCollection(roomID string, role domain.Role) string {
	return RoomsCollection + "/" + roomID + "/" + string(role) + "Candidates"
}

// Kind classifies signaling failures.
type Kind string

const (
	KindRoomNotFound  Kind = "room-not-found"
	KindWriteConflict Kind = "write-conflict"
)

// Error is a signaling failure the caller should not retry.
type Error struct {
	Kind   Kind
	RoomID string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("signal: %s (room %s)", e.Kind, e.RoomID)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a signaling Error of kind k.
func IsKind(err error, k Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == k
}

// Channel binds rooms to a document store.
type Channel struct {
	store domain.DocumentStore
	log   *zap.Logger
	now   func() time.Time
}

// New creates a signaling channel over store.
func New(store domain.DocumentStore, log *zap.Logger) *Channel {
	return &Channel{store: store, log: log.Named("signal"), now: time.Now}
}

// PublishOffer creates a room holding offer and returns its id.
func (c *Channel) PublishOffer(ctx context.Context, offer domain.SessionDescription, media *domain.MediaInfo) (string, error) {
	room := domain.Room{
		Offer:       &offer,
		CreatedAt:   c.now().UTC(),
		CallerMedia: media,
	}
	id, err := c.store.Add(ctx, RoomsCollection, room)
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	c.log.Info("room created", zap.String("room", id))
	return id, nil
}

// FetchRoom reads a room for joining.
func (c *Channel) FetchRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	doc, err := c.store.Get(ctx, RoomsCollection, roomID)
	if err != nil {
		return nil, fmt.Errorf("fetch room: %w", err)
	}
	var room domain.Room
	if err := doc.Decode(&room); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, &Error{Kind: KindRoomNotFound, RoomID: roomID, Err: err}
		}
		return nil, fmt.Errorf("decode room: %w", err)
	}
	room.ID = roomID
	return &room, nil
}

// PublishAnswer stores the callee's answer. Only the first answer is kept.
func (c *Channel) PublishAnswer(ctx context.Context, roomID string, answer domain.SessionDescription, media *domain.MediaInfo) error {
	fields := map[string]any{
		"answer":   answer,
		"joinedAt": c.now().UTC(),
	}
	if media != nil {
		fields["calleeMedia"] = media
	}
	err := c.store.UpdateOnce(ctx, RoomsCollection, roomID, "answer", fields)
	switch {
	case err == nil:
		c.log.Info("answer published", zap.String("room", roomID))
		return nil
	case errors.Is(err, domain.ErrConflict):
		return &Error{Kind: KindWriteConflict, RoomID: roomID, Err: err}
	case errors.Is(err, domain.ErrNotFound):
		return &Error{Kind: KindRoomNotFound, RoomID: roomID, Err: err}
	default:
		return fmt.Errorf("publish answer: %w", err)
	}
}

// WatchAnswer delivers the answer once it appears on the room, then closes.
// The channel also closes when ctx ends or the room is deleted.
func (c *Channel) WatchAnswer(ctx context.Context, roomID string) (<-chan domain.SessionDescription, error) {
	ctx, cancel := context.WithCancel(ctx)
	docs, err := c.store.WatchDocument(ctx, RoomsCollection, roomID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch room: %w", err)
	}

	out := make(chan domain.SessionDescription, 1)
	go func() {
		defer close(out)
		defer cancel()
		seen := false
		for doc := range docs {
			if !doc.Exists {
				if seen {
					c.log.Info("room deleted", zap.String("room", roomID))
					return
				}
				continue
			}
			seen = true
			var room domain.Room
			if err := doc.Decode(&room); err != nil {
				c.log.Warn("undecodable room snapshot", zap.String("room", roomID), zap.Error(err))
				continue
			}
			if room.Answer != nil && !room.Answer.IsZero() {
				out <- *room.Answer
				return
			}
		}
	}()
	return out, nil
}

// PublishCandidate appends one local candidate for role.
func (c *Channel) PublishCandidate(ctx context.Context, roomID string, role domain.Role, rec domain.CandidateRecord) error {
	if _, err := c.store.Add(ctx, CandidatesCollection(roomID, role), rec); err != nil {
		return fmt.Errorf("publish %s candidate: %w", role, err)
	}
	return nil
}

// WatchCandidates streams the candidates written by role, existing ones
// first, in insertion order.
func (c *Channel) WatchCandidates(ctx context.Context, roomID string, role domain.Role) (<-chan domain.CandidateRecord, error) {
	docs, err := c.store.WatchCollection(ctx, CandidatesCollection(roomID, role))
	if err != nil {
		return nil, fmt.Errorf("watch %s candidates: %w", role, err)
	}

	out := make(chan domain.CandidateRecord)
	go func() {
		defer close(out)
		for doc := range docs {
			var rec domain.CandidateRecord
			if err := doc.Decode(&rec); err != nil {
				c.log.Warn("undecodable candidate", zap.String("room", roomID), zap.String("doc", doc.ID), zap.Error(err))
				continue
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Teardown deletes both candidate collections and then the room. Missing
// documents are skipped, so it can be run again after a partial failure.
func (c *Channel) Teardown(ctx context.Context, roomID string) error {
	var errs error
	for _, role := range []domain.Role{domain.RoleCaller, domain.RoleCallee} {
		col := CandidatesCollection(roomID, role)
		docs, err := c.store.List(ctx, col)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("list %s: %w", col, err))
			continue
		}
		for _, d := range docs {
			if err := c.store.Delete(ctx, col, d.ID); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("delete %s/%s: %w", col, d.ID, err))
			}
		}
	}
	if err := c.store.Delete(ctx, RoomsCollection, roomID); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("delete room: %w", err))
	}
	if errs != nil {
		c.log.Warn("teardown incomplete", zap.String("room", roomID), zap.Error(errs))
		return errs
	}
	c.log.Info("room deleted", zap.String("room", roomID))
	return nil
}
