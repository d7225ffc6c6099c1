package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/edgeagent/internal/agent"
	"git.home.luguber.info/inful/edgeagent/internal/foundation"
	"git.home.luguber.info/inful/edgeagent/internal/logfields"
)

// Reconciler receives desired-state notifications decoded off the wire.
type Reconciler interface {
	Reconcile(desired *agent.DesiredState)
}

// CheckIn is the presence report published to the controller.
type CheckIn struct {
	DeviceID  string    `json:"device_id"`
	CheckInID string    `json:"check_in_id"`
	At        time.Time `json:"at"`
}

// DeviceSubject is the device-scoped subject carrying desired-state
// notifications addressed to a single device.
func DeviceSubject(deviceID string) string {
	return fmt.Sprintf("edgeagent.device.%s.desired", deviceID)
}

// ProjectSubject is the project-scoped subject carrying desired-state
// notifications broadcast to every device assigned to a project.
func ProjectSubject(project string) string {
	return fmt.Sprintf("edgeagent.project.%s.desired", project)
}

// CheckInSubject carries presence reports from devices to the controller.
func CheckInSubject(deviceID string) string {
	return fmt.Sprintf("edgeagent.device.%s.checkin", deviceID)
}

// DecodeDesiredState interprets a notification body. An empty or literal
// null body is a deauthorization and yields a nil desired state; any other
// body must be a desired-state document whose absent keys mean "no opinion"
// and whose explicit nulls are directives.
func DecodeDesiredState(data []byte) (*agent.DesiredState, error) {
	desired, err := agent.ParseDesiredState(data)
	if err != nil {
		return nil, foundation.TransportError("malformed desired-state notification").
			WithComponent("push").
			WithCause(err).
			Build()
	}
	return desired, nil
}

// Transport subscribes to the controller's NATS subjects and forwards
// decoded desired states to the reconciler. It holds one device-scoped
// subscription for its whole lifetime and swaps a project-scoped one as the
// engine re-scopes it.
type Transport struct {
	url        string
	deviceID   string
	reconciler Reconciler

	mu         sync.Mutex
	conn       *nats.Conn
	deviceSub  *nats.Subscription
	projectSub *nats.Subscription
	project    *string
}

// NewTransport creates a push transport. The connection is established by
// Start.
func NewTransport(url, deviceID string, reconciler Reconciler) (*Transport, error) {
	if url == "" {
		return nil, foundation.ValidationError("push transport requires a NATS URL").Build()
	}
	if deviceID == "" {
		return nil, foundation.ValidationError("push transport requires a device id").Build()
	}
	if reconciler == nil {
		return nil, foundation.ValidationError("push transport requires a reconciler").Build()
	}
	return &Transport{url: url, deviceID: deviceID, reconciler: reconciler}, nil
}

// Start connects to NATS and subscribes to the device-scoped subject.
// Reconnects are handled by the client; subscriptions survive them.
func (t *Transport) Start(ctx context.Context) error {
	conn, err := nats.Connect(t.url,
		nats.Name("edgeagent-"+t.deviceID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", logfields.Transport("push"), logfields.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("NATS reconnected", logfields.Transport("push"), "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return foundation.TransportError("failed to connect to NATS").
			WithComponent("push").
			WithContext(foundation.Fields{"url": t.url}).
			WithCause(err).
			Build()
	}

	sub, err := conn.Subscribe(DeviceSubject(t.deviceID), t.handleNotification)
	if err != nil {
		conn.Close()
		return foundation.TransportError("failed to subscribe to device subject").
			WithComponent("push").
			WithCause(err).
			Build()
	}

	t.mu.Lock()
	t.conn = conn
	t.deviceSub = sub
	t.mu.Unlock()

	slog.Info("Push transport connected",
		logfields.Transport("push"),
		"url", t.url,
		"subject", DeviceSubject(t.deviceID))
	return nil
}

// Stop drains the subscriptions and closes the connection. Stopping a
// transport that never started is a no-op.
func (t *Transport) Stop() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.deviceSub = nil
	t.projectSub = nil
	t.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.Drain(); err != nil {
		slog.Warn("NATS drain failed", logfields.Transport("push"), logfields.Error(err))
		conn.Close()
	}
}

// SetProject swaps the project-scoped subscription. A nil project leaves
// only the device-scoped subject active.
func (t *Transport) SetProject(project *string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sameScope(t.project, project) {
		return
	}

	if t.projectSub != nil {
		if err := t.projectSub.Unsubscribe(); err != nil {
			slog.Warn("Failed to unsubscribe project subject",
				logfields.Transport("push"), logfields.Error(err))
		}
		t.projectSub = nil
	}
	t.project = nil

	if project == nil || t.conn == nil {
		return
	}

	sub, err := t.conn.Subscribe(ProjectSubject(*project), t.handleNotification)
	if err != nil {
		slog.Error("Failed to subscribe to project subject",
			logfields.Transport("push"),
			logfields.Project(*project),
			logfields.Error(err))
		return
	}
	p := *project
	t.project = &p
	t.projectSub = sub
	slog.Debug("Push transport re-scoped", logfields.Project(p))
}

// CheckIn publishes a presence report on the device's check-in subject.
func (t *Transport) CheckIn() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return foundation.TransportError("push transport is not connected").
			WithComponent("push").
			Build()
	}

	payload, err := json.Marshal(CheckIn{
		DeviceID:  t.deviceID,
		CheckInID: uuid.NewString(),
		At:        time.Now().UTC(),
	})
	if err != nil {
		return foundation.TransportError("failed to marshal check-in").
			WithComponent("push").
			WithCause(err).
			Build()
	}

	if err := conn.Publish(CheckInSubject(t.deviceID), payload); err != nil {
		return foundation.TransportError("failed to publish check-in").
			WithComponent("push").
			WithCause(err).
			Build()
	}
	return nil
}

func (t *Transport) handleNotification(msg *nats.Msg) {
	desired, err := DecodeDesiredState(msg.Data)
	if err != nil {
		slog.Error("Dropping malformed notification",
			logfields.Transport("push"),
			"subject", msg.Subject,
			logfields.Error(err))
		return
	}
	slog.Debug("Desired state received", logfields.Transport("push"), "subject", msg.Subject)
	t.reconciler.Reconcile(desired)
}

func sameScope(a *string, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
