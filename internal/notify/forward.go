package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"tasksched/internal/eventbus"
	logx "tasksched/pkg/logx"
)

const (
	contentJSON = "application/json"
	contentText = "text/plain"
)

// ForwardEvents publishes every bus event matching types as JSON, routed by
// the event type, until ctx is done. Publish failures are logged at most once
// per minute.
func ForwardEvents(ctx context.Context, bus eventbus.Bus, pub Publisher, types []string, log logx.Logger) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	warn := rate.Sometimes{Interval: time.Minute}
	err := eventbus.Forward(ctx, bus, 256, types,
		func(ctx context.Context, e eventbus.Event) error {
			body, err := json.Marshal(e)
			if err != nil {
				return err
			}
			return pub.Publish(ctx, e.Type, contentJSON, body)
		},
		func(e eventbus.Event, err error) {
			warn.Do(func() {
				log.Warn("event forward failed", logx.String("type", e.Type), logx.Err(err))
			})
		})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// AlertSink routes log alerts to pub under "log.<level>".
type AlertSink struct {
	Pub Publisher
}

func (s AlertSink) Alert(ctx context.Context, level string, record []byte) error {
	if s.Pub == nil {
		return errors.New("alert sink: no publisher")
	}
	ct := contentText
	if json.Valid(record) {
		ct = contentJSON
	}
	return s.Pub.Publish(ctx, "log."+level, ct, record)
}
