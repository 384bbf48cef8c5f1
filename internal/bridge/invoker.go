package bridge

import (
	"strings"

	"github.com/EchoPBX/agentweb-bridge/internal/monitoring"
	"github.com/EchoPBX/agentweb-bridge/pkg/sdk"
	"go.uber.org/zap"
)

// Evaluator runs a script in the content's execution context. It must not
// block; done is called later with whatever the script returned.
type Evaluator interface {
	Evaluate(script string, done func(result string, err error))
}

var scriptEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`, `"`, `\"`)

// EscapeScriptString makes s safe inside a single-quoted JS string literal.
// Backslashes are doubled first so JSON escapes survive the literal.
func EscapeScriptString(s string) string {
	return scriptEscaper.Replace(s)
}

// CallScript builds the injection call for an encoded envelope.
func CallScript(receiver string, encoded []byte) string {
	return "window." + receiver + "('" + EscapeScriptString(string(encoded)) + "')"
}

// Invoker delivers envelopes to the content's receiver function.
type Invoker struct {
	loop     *Loop
	eval     Evaluator
	receiver string
	log      *zap.Logger
	metrics  *monitoring.Metrics
	onSend   func(eventType string, data map[string]any)
}

func NewInvoker(loop *Loop, eval Evaluator, receiver string, log *zap.Logger, metrics *monitoring.Metrics) *Invoker {
	if receiver == "" {
		receiver = DefaultReceiver
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Invoker{loop: loop, eval: eval, receiver: receiver, log: log, metrics: metrics}
}

// Send encodes the envelope and schedules its evaluation on the loop. It
// returns before the content has run the call.
func (i *Invoker) Send(eventType string, data map[string]any) error {
	encoded, err := sdk.Encode(eventType, data)
	if err != nil {
		i.log.Error("encode outbound envelope", zap.String("event_type", eventType), zap.Error(err))
		return err
	}
	script := CallScript(i.receiver, encoded)
	i.log.Debug("calling content", zap.String("event_type", eventType), zap.ByteString("envelope", encoded))
	if !i.loop.Post(func() {
		i.eval.Evaluate(script, func(result string, err error) {
			if err != nil {
				i.log.Warn("content evaluation failed", zap.String("event_type", eventType), zap.Error(err))
				return
			}
			i.log.Debug("content returned", zap.String("event_type", eventType), zap.String("result", result))
		})
	}) {
		return ErrClosed
	}
	if i.metrics != nil {
		i.metrics.Outbound.WithLabelValues(eventType).Inc()
	}
	if i.onSend != nil {
		i.onSend(eventType, data)
	}
	return nil
}
