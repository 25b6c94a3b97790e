package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"busmate-tracker/internal/logging"
	"busmate-tracker/internal/model"
)

type NATSPublisher struct {
	nc           *nats.Conn
	eventsPrefix string
	logSubjects  bool
	metrics      PublisherMetrics
	logger       *slog.Logger
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, eventsPrefix string, logSubjects bool, m PublisherMetrics, logger *slog.Logger) (*NATSPublisher, error) {
	logger = logging.Component(logger, "nats")
	nc, err := nats.Connect(url,
		nats.Name("busmate-tracker"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Warn("nats disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			logger.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, eventsPrefix: eventsPrefix, logSubjects: logSubjects, metrics: m, logger: logger}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// EventSubject is <prefix>.<school>.<bus>.<type>.
func EventSubject(prefix string, ev model.TripEvent) string {
	return fmt.Sprintf("%s.%s.%s.%s", prefix, subjectToken(ev.SchoolID), subjectToken(ev.BusID), subjectToken(string(ev.Type)))
}

func (p *NATSPublisher) PublishEvent(_ context.Context, ev model.TripEvent) error {
	subject := EventSubject(p.eventsPrefix, ev)
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if p.logSubjects {
		p.logger.Debug("nats publish", slog.String("subject", subject))
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

// SourceNATS tags positions received on the GPS subject.
const SourceNATS = "nats"

// PositionMessage is a GPS fix as drivers' devices publish it.
type PositionMessage struct {
	SchoolID  string    `json:"schoolId"`
	BusID     string    `json:"busId"`
	Timestamp time.Time `json:"timestamp"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	SpeedMps  float64   `json:"speedMps"`
	Bearing   float64   `json:"bearing"`
}

func (m PositionMessage) Position(source string) model.Position {
	return model.Position{Lat: m.Lat, Lng: m.Lon, SpeedMps: m.SpeedMps, Source: source, Timestamp: m.Timestamp}
}

// DecodePosition parses a GPS message. School and bus fall back to the last
// two subject tokens (gps.<school>.<bus>) when the body omits them.
func DecodePosition(subject string, data []byte) (PositionMessage, error) {
	var msg PositionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("decode position on %s: %w", subject, err)
	}
	if msg.SchoolID == "" || msg.BusID == "" {
		tokens := strings.Split(subject, ".")
		if len(tokens) >= 2 {
			if msg.SchoolID == "" {
				msg.SchoolID = tokens[len(tokens)-2]
			}
			if msg.BusID == "" {
				msg.BusID = tokens[len(tokens)-1]
			}
		}
	}
	if msg.SchoolID == "" || msg.BusID == "" {
		return msg, fmt.Errorf("position on %s: missing school or bus", subject)
	}
	return msg, nil
}

// SubscribePositions delivers every GPS message on subject to handle. Bad
// messages are logged and dropped.
func (p *NATSPublisher) SubscribePositions(ctx context.Context, subject string, handle func(context.Context, PositionMessage)) (*nats.Subscription, error) {
	return p.nc.Subscribe(subject, func(m *nats.Msg) {
		msg, err := DecodePosition(m.Subject, m.Data)
		if err != nil {
			logging.LogError(p.logger, "drop gps message", err)
			return
		}
		handle(ctx, msg)
	})
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
