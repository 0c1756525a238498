// Package events publishes an optional, best-effort observability stream
// of run state transitions over NATS core pub/sub (no JetStream: a missed
// subscriber loses nothing the state store itself does not already hold).
// Grounded on provider-daemon/internal/nats/client.go's connection-option
// pattern, stripped to the subset spec_full §4.6 calls for: publish-only,
// disabled when unconfigured, never on the supervisor's decision path.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/slurm-shepherd/shepherd/internal/model"
)

// Transition is the payload published for every supervisor state change.
type Transition struct {
	RunID      string                 `json:"run_id"`
	FromState  model.SupervisorState  `json:"from_state"`
	ToState    model.SupervisorState  `json:"to_state"`
	JobID      string                 `json:"job_id,omitempty"`
	Partition  string                 `json:"partition,omitempty"`
	At         int64                  `json:"at"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
}

const subjectPrefix = "shepherd.runs"

// Publisher is a best-effort sink for Transition events. The zero value (no
// connection) is a valid, permanently-disabled Publisher: every Publish
// call becomes a no-op so callers never need to nil-check or branch on
// whether observability events were configured.
type Publisher struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// Connect dials url and returns a Publisher, or a disabled no-op Publisher
// if url is empty. Connection errors are returned so the caller can decide
// whether a misconfigured events sink should block startup; callers that
// want events to be strictly best-effort can log and discard the error.
func Connect(url string, connectTimeout time.Duration, logger *zap.Logger) (*Publisher, error) {
	if url == "" {
		return &Publisher{logger: logger}, nil
	}

	nc, err := nats.Connect(
		url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(connectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("shepherd events: disconnected from NATS", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("shepherd events: reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect to %s: %w", url, err)
	}
	return &Publisher{nc: nc, logger: logger}, nil
}

// Enabled reports whether this Publisher holds a live connection.
func (p *Publisher) Enabled() bool {
	return p != nil && p.nc != nil
}

// PublishTransition emits a state-change event on shepherd.runs.<run_id>.
// Failures are logged, never returned: a dropped observability event must
// never affect the caller's own control flow.
func (p *Publisher) PublishTransition(t Transition) {
	if !p.Enabled() {
		return
	}
	data, err := json.Marshal(t)
	if err != nil {
		p.logger.Warn("shepherd events: marshal transition failed", zap.Error(err))
		return
	}
	subject := fmt.Sprintf("%s.%s", subjectPrefix, t.RunID)
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("shepherd events: publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// Close drains and closes the underlying connection, if any.
func (p *Publisher) Close() {
	if !p.Enabled() {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("shepherd events: drain failed", zap.Error(err))
		p.nc.Close()
	}
}
