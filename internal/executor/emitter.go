package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"

	"github.com/ocx/flowengine/internal/domain"
	"github.com/ocx/flowengine/internal/webhooks"
)

// logEmitterConfig is emitter.log's typed configuration.
type logEmitterConfig struct {
	Level   string `json:"level,omitempty"` // defaults to "info"
	Message string `json:"message,omitempty"`
}

// EgressLog is the executor for emitter.log: it writes the node's input to
// the run's structured logger and passes it through unchanged. It is
// terminal — no outgoing propagation.
func EgressLog(ctx context.Context, node domain.Node, input json.RawMessage, ec ExecContext) (Result, error) {
	var cfg logEmitterConfig
	_ = json.Unmarshal(node.Config, &cfg)

	logger := ec.Logger
	if logger == nil {
		return Result{Output: input, NoPropagate: true}, nil
	}
	attrs := []any{"node_id", node.ID, "run_id", ec.RunID, "flow_id", ec.FlowID, "payload", string(input)}
	switch cfg.Level {
	case "warn":
		logger.Warn(cfg.Message, attrs...)
	case "error":
		logger.Error(cfg.Message, attrs...)
	default:
		logger.Info(cfg.Message, attrs...)
	}
	return Result{Output: input, NoPropagate: true}, nil
}

// emailEmitterConfig is emitter.email's typed configuration. The
// node's SystemInstance names a vault secret of integration type smtp.
type emailEmitterConfig struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
}

// EgressEmail is the executor for emitter.email: it sends the node's
// input as the body of an email, with Content-Type application/json, via the credential's SMTP
// gateway. Terminal — no outgoing propagation.
func EgressEmail(ctx context.Context, node domain.Node, input json.RawMessage, ec ExecContext) (Result, error) {
	var cfg emailEmitterConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return Result{}, Classify(domain.ErrorKindSystem, fmt.Errorf("email: invalid config: %w", err))
	}
	if ec.EmulationMode {
		mock, _ := json.Marshal(map[string]any{"emulated": true, "to": cfg.To})
		return Result{Output: mock, NoPropagate: true}, nil
	}
	if ec.Secrets == nil {
		return Result{}, Classify(domain.ErrorKindSystem, fmt.Errorf("email: no secret source wired into executor context"))
	}

	payload, _, err := ec.Secrets.ReadSecret(node.SystemInstance)
	if err != nil {
		return Result{}, Classify(domain.ErrorKindAuth, fmt.Errorf("email: read secret %q: %w", node.SystemInstance, err))
	}
	host := stringField(payload, "host")
	port := stringField(payload, "port")
	username := stringField(payload, "username")
	password := stringField(payload, "password")
	addr := fmt.Sprintf("%s:%s", host, port)

	var body bytes.Buffer
	fmt.Fprintf(&body, "Subject: %s\r\n", cfg.Subject)
	fmt.Fprintf(&body, "Content-Type: application/json\r\n\r\n")
	body.Write(input)

	auth := smtp.PlainAuth("", username, password, host)
	if err := smtp.SendMail(addr, auth, username, cfg.To, body.Bytes()); err != nil {
		return Result{}, Classify(domain.ErrorKindConnection, fmt.Errorf("email: send: %w", err))
	}
	return Result{Output: input, NoPropagate: true}, nil
}

// webhookEmitterConfig is emitter.webhook's typed configuration.
type webhookEmitterConfig struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"` // HMAC-SHA256 signs the body when set
}

// EgressWebhook is the executor for emitter.webhook: it POSTs the node's
// input to a configured URL, signing the body the same way the outbound
// subscriber dispatcher signs deliveries. Terminal — no outgoing
// propagation.
func EgressWebhook(client HTTPDoer) Func {
	return func(ctx context.Context, node domain.Node, input json.RawMessage, ec ExecContext) (Result, error) {
		var cfg webhookEmitterConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return Result{}, Classify(domain.ErrorKindSystem, fmt.Errorf("webhook: invalid config: %w", err))
		}
		if ec.EmulationMode {
			mock, _ := json.Marshal(map[string]any{"emulated": true, "url": cfg.URL})
			return Result{Output: mock, NoPropagate: true}, nil
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(input))
		if err != nil {
			return Result{}, Classify(domain.ErrorKindSystem, fmt.Errorf("webhook: build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-OCX-Node-ID", node.ID)
		if cfg.Secret != "" {
			req.Header.Set("X-OCX-Signature", "sha256="+webhooks.SignPayload(input, cfg.Secret))
		}

		resp, err := client.Do(req)
		if err != nil {
			return Result{}, Classify(domain.ErrorKindConnection, fmt.Errorf("webhook: request failed: %w", err))
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return Result{}, classifyStatus(resp.StatusCode)
		}
		return Result{Output: input, NoPropagate: true}, nil
	}
}
