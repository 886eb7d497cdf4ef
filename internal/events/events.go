// Package events publishes notifications about committed protection batches
// and positions that have crossed into risk to live subscribers (WebSocket)
// and message brokers (NATS, Kafka).
package events

import (
	"context"
	"errors"
	"time"

	"github.com/blendguard/safety-vault/internal/model"
)

const (
	// TypePositionProtected is emitted after a batch commits.
	TypePositionProtected = "position_protected"
	// TypePositionAtRisk is emitted when a position is first seen at or above
	// the protection threshold. Deeplink carries a signed link the user can
	// act on without a bearer token.
	TypePositionAtRisk = "position_at_risk"
)

// Event describes one committed batch or one risk alert.
type Event struct {
	Type      string             `json:"type"`
	BatchID   int64              `json:"batch_id,omitempty"`
	UserID    string             `json:"user_id"`
	Actions   []model.ActionKind `json:"actions,omitempty"`
	Position  model.Position     `json:"position"`
	Deeplink  string             `json:"deeplink,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Publisher delivers events. Implementations must not block for long: they
// run after the batch has committed, on the request path.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
