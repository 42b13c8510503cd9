// Package messaging subscribes to the NATS subject a running job's wrapper
// script publishes status reports to and decodes them into jobmanager
// messages for the scheduler's main loop to apply against the task pool.
//
// Grounded directly on libs/go/core/natsctx's Publish
// injects the current trace context into NATS message headers, Subscribe
// extracts it back out and starts a consumer span before invoking the
// handler. Intake reuses exactly that shape, generalized from "publish/
// consume an opaque []byte payload" to "publish/consume one jobmanager.Message
// JSON-encoded", since job-status reporting is this scheduler's only use of
// NATS.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/cylc/cylc-flow-go/internal/jobmanager"
)

var propagator = propagation.TraceContext{}

const wireTimeLayout = "2006-01-02T15:04:05.000000000Z"

// Connect dials the NATS server at CYLC_NATS_URL (falling back to
// 127.0.0.1:4222), matching a getenv-with-default dial pattern
// in services/control-plane/main.go. Callers decide how to treat a dial
// failure; scheduler startup runs this as best-effort (job-message intake
// degrades to poll-only when no NATS server is reachable).
func Connect() (*nats.Conn, error) {
	url := os.Getenv("CYLC_NATS_URL")
	if url == "" {
		url = "127.0.0.1:4222"
	}
	nc, err := nats.Connect(url, nats.Name("cylc-scheduler"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("messaging: connect to %s: %w", url, err)
	}
	return nc, nil
}

func parseWireTime(s string) (time.Time, error) {
	return time.Parse(wireTimeLayout, s)
}

// SubjectFor returns the NATS subject a workflow's jobs publish status
// reports to, namespaced by workflow id so multiple running workflows can
// share one NATS server.
func SubjectFor(workflowID string) string {
	return fmt.Sprintf("cylc.%s.job.message", workflowID)
}

// wireMessage is the JSON-on-the-wire shape a job's wrapper script
// publishes; Severity/Output/Text/Time map 1:1 onto jobmanager.Message,
// kept as a separate type so the wire format doesn't silently change shape
// if jobmanager.Message ever grows scheduler-internal fields.
type wireMessage struct {
	CyclePoint string `json:"cycle_point"`
	TaskName   string `json:"task_name"`
	SubmitNum  int    `json:"submit_num"`
	Severity   string `json:"severity"`
	Output     string `json:"output"`
	Text       string `json:"text"`
	TimeUTC    string `json:"time"`
}

// Publish injects the current trace context into the NATS message headers
// and publishes msg JSON-encoded to subject, matching natsctx.Publish.
func Publish(ctx context.Context, nc *nats.Conn, subject string, msg jobmanager.Message) error {
	body, err := json.Marshal(wireMessage{
		CyclePoint: msg.CyclePoint,
		TaskName:   msg.TaskName,
		SubmitNum:  msg.SubmitNum,
		Severity:   string(msg.Severity),
		Output:     msg.Output,
		Text:       msg.Text,
		TimeUTC:    msg.Time.UTC().Format(wireTimeLayout),
	})
	if err != nil {
		return fmt.Errorf("messaging: encode job message: %w", err)
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return nc.PublishMsg(&nats.Msg{Subject: subject, Data: body, Header: hdr})
}

// Handler is invoked once per decoded job message, under a span already
// linked to the publisher's trace.
type Handler func(ctx context.Context, msg jobmanager.Message) error

// Subscribe wraps nc.Subscribe(subject, ...), decoding each message body
// and extracting its trace context exactly as natsctx.Subscribe does,
// before handing the typed jobmanager.Message to handler. Decode errors are
// logged and the message dropped rather than propagated, since a malformed
// job message must never stall the whole subscription.
func Subscribe(nc *nats.Conn, subject string, handler Handler) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		tr := otel.Tracer("cylc-scheduler")
		ctx, span := tr.Start(ctx, "messaging.job_message", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		var wire wireMessage
		if err := json.Unmarshal(m.Data, &wire); err != nil {
			slog.Error("dropping malformed job message", "subject", subject, "error", err)
			span.RecordError(err)
			return
		}
		msg, err := decode(wire)
		if err != nil {
			slog.Error("dropping job message", "subject", subject, "error", err)
			span.RecordError(err)
			return
		}
		if err := handler(ctx, msg); err != nil {
			slog.Error("job message handler failed", "task", msg.TaskName, "cycle", msg.CyclePoint, "error", err)
			span.RecordError(err)
		}
	})
}

func decode(wire wireMessage) (jobmanager.Message, error) {
	t, err := parseWireTime(wire.TimeUTC)
	if err != nil {
		return jobmanager.Message{}, fmt.Errorf("messaging: bad time %q: %w", wire.TimeUTC, err)
	}
	return jobmanager.Message{
		CyclePoint: wire.CyclePoint,
		TaskName:   wire.TaskName,
		SubmitNum:  wire.SubmitNum,
		Severity:   jobmanager.Severity(wire.Severity),
		Output:     wire.Output,
		Text:       wire.Text,
		Time:       t,
	}, nil
}
