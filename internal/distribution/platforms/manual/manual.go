// Package manual is a distribution platform operated by hand: submissions are
// acknowledged immediately and operators post callbacks as JSON.
package manual

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	distributiondomain "github.com/smallbiznis/royalty/internal/distribution/domain"
)

const ID = "manual"

type Platform struct{}

func New() *Platform {
	return &Platform{}
}

func (p *Platform) ID() string { return ID }

func (p *Platform) Submit(_ context.Context, req distributiondomain.SubmitRequest) (string, error) {
	releaseID := strings.TrimSpace(req.ReleaseID)
	if releaseID == "" {
		return "", distributiondomain.ErrInvalidRelease
	}
	return ID + "-" + releaseID, nil
}

func (p *Platform) Cancel(context.Context, string) error {
	return nil
}

type callbackPayload struct {
	PlatformReleaseID string    `json:"platform_release_id"`
	EventType         string    `json:"event_type"`
	EventAt           time.Time `json:"event_at"`
	Message           string    `json:"message"`
}

func (p *Platform) ParseCallback(_ context.Context, payload []byte) (*distributiondomain.Callback, error) {
	var body callbackPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, distributiondomain.ErrInvalidCallback
	}
	body.PlatformReleaseID = strings.TrimSpace(body.PlatformReleaseID)
	if body.PlatformReleaseID == "" || body.EventAt.IsZero() {
		return nil, distributiondomain.ErrInvalidCallback
	}
	eventType := distributiondomain.CallbackType(strings.ToLower(strings.TrimSpace(body.EventType)))
	if _, ok := eventType.Target(); !ok {
		return nil, distributiondomain.ErrInvalidCallback
	}
	return &distributiondomain.Callback{
		PlatformReleaseID: body.PlatformReleaseID,
		Type:              eventType,
		EventAt:           body.EventAt.UTC().Truncate(time.Microsecond),
		Message:           strings.TrimSpace(body.Message),
	}, nil
}
