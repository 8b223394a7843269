package executor

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "github.com/lib/pq"

	"github.com/ocx/flowengine/internal/domain"
	"github.com/ocx/flowengine/internal/poller"
)

// HTTPDoer is the subset of *http.Client the HTTP connectors need.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// classifyTransportErr distinguishes a deadline exceeded on ctx (the
// node-level timeout the orchestrator derives per attempt) from any other
// transport failure, so a timed-out request is retried against the
// timeout kind's budget rather than being folded into connection.
func classifyTransportErr(ctx context.Context, op string, err error) error {
	if ctx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
		return Classify(domain.ErrorKindTimeout, fmt.Errorf("%s: request timed out: %w", op, err))
	}
	return Classify(domain.ErrorKindConnection, fmt.Errorf("%s: request failed: %w", op, err))
}

// classifyStatus maps an HTTP response status to the error-kind taxonomy
// the retry budget acts on: 5xx is a transient connection failure, 401/403
// is an auth failure, any other 4xx is a business-logic rejection, and
// 2xx/3xx is success (nil).
func classifyStatus(status int) error {
	switch {
	case status < 400:
		return nil
	case status == 401 || status == 403:
		return Classify(domain.ErrorKindAuth, fmt.Errorf("unauthorized response (status %d)", status))
	case status >= 500:
		return Classify(domain.ErrorKindConnection, fmt.Errorf("upstream returned status %d", status))
	default:
		return Classify(domain.ErrorKindBusinessLogic, fmt.Errorf("upstream rejected request (status %d)", status))
	}
}

// httpSourceConfig is connector.http_source's typed configuration.
type httpSourceConfig struct {
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers,omitempty"`
	AuthAdapter  *domain.AuthAdapter `json:"auth_adapter,omitempty"`
}

// HTTPSource returns the executor for connector.http_source (GET).
func HTTPSource(client HTTPDoer) Func {
	return func(ctx context.Context, node domain.Node, input json.RawMessage, ec ExecContext) (Result, error) {
		var cfg httpSourceConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return Result{}, Classify(domain.ErrorKindSystem, fmt.Errorf("http_source: invalid config: %w", err))
		}
		if ec.EmulationMode {
			mock, _ := json.Marshal(map[string]any{"status": 200, "body": map[string]any{"emulated": true}})
			return Result{Output: mock}, nil
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
		if err != nil {
			return Result{}, Classify(domain.ErrorKindSystem, fmt.Errorf("http_source: build request: %w", err))
		}
		for k, v := range cfg.Headers {
			req.Header.Set(k, v)
		}
		if err := applyAuth(ctx, cfg.AuthAdapter, ec, req); err != nil {
			return Result{}, Classify(domain.ErrorKindAuth, fmt.Errorf("http_source: %w", err))
		}

		resp, err := client.Do(req)
		if err != nil {
			return Result{}, classifyTransportErr(ctx, "http_source", err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return Result{}, classifyTransportErr(ctx, "http_source", err)
		}

		if statusErr := classifyStatus(resp.StatusCode); statusErr != nil {
			return Result{}, fmt.Errorf("http_source: %w", statusErr)
		}
		out, _ := json.Marshal(map[string]any{
			"status":  resp.StatusCode,
			"headers": flattenHeader(resp.Header),
			"body":    json.RawMessage(bodyOrQuoted(body)),
		})
		return Result{Output: out}, nil
	}
}

// httpDestinationConfig is connector.http_destination's typed configuration.
type httpDestinationConfig struct {
	URL         string              `json:"url"`
	Method      string              `json:"method"` // POST/PUT/PATCH/DELETE
	Headers     map[string]string   `json:"headers,omitempty"`
	AuthAdapter *domain.AuthAdapter `json:"auth_adapter,omitempty"`
}

// HTTPDestination returns the executor for connector.http_destination.
func HTTPDestination(client HTTPDoer) Func {
	return func(ctx context.Context, node domain.Node, input json.RawMessage, ec ExecContext) (Result, error) {
		var cfg httpDestinationConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return Result{}, Classify(domain.ErrorKindSystem, fmt.Errorf("http_destination: invalid config: %w", err))
		}
		method := cfg.Method
		if method == "" {
			method = http.MethodPost
		}
		if ec.EmulationMode {
			mock, _ := json.Marshal(map[string]any{"status": 202, "emulated": true})
			return Result{Output: mock}, nil
		}

		req, err := http.NewRequestWithContext(ctx, method, cfg.URL, bytes.NewReader(input))
		if err != nil {
			return Result{}, Classify(domain.ErrorKindSystem, fmt.Errorf("http_destination: build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range cfg.Headers {
			req.Header.Set(k, v)
		}
		if err := applyAuth(ctx, cfg.AuthAdapter, ec, req); err != nil {
			return Result{}, Classify(domain.ErrorKindAuth, fmt.Errorf("http_destination: %w", err))
		}

		resp, err := client.Do(req)
		if err != nil {
			return Result{}, classifyTransportErr(ctx, "http_destination", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)

		if statusErr := classifyStatus(resp.StatusCode); statusErr != nil {
			return Result{}, fmt.Errorf("http_destination: %w", statusErr)
		}
		out, _ := json.Marshal(map[string]any{
			"status": resp.StatusCode,
			"body":   json.RawMessage(bodyOrQuoted(body)),
		})
		return Result{Output: out}, nil
	}
}

func applyAuth(ctx context.Context, adapter *domain.AuthAdapter, ec ExecContext, req *http.Request) error {
	if adapter == nil || ec.Tokens == nil {
		return nil
	}
	token, err := ec.Tokens.Get(ctx, *adapter, domain.TokenTypeAccess, "")
	if err != nil {
		return fmt.Errorf("acquire token for adapter %s: %w", adapter.ID, err)
	}
	headerName := adapter.HeaderName
	if headerName == "" {
		headerName = "Authorization"
	}
	prefix := adapter.HeaderPrefix
	if prefix == "" && headerName == "Authorization" {
		prefix = "Bearer "
	}
	req.Header.Set(headerName, prefix+token)
	return nil
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func bodyOrQuoted(body []byte) []byte {
	var probe any
	if json.Unmarshal(body, &probe) == nil {
		return body
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}

// dbConfig is connector.db's typed configuration. Driver is presently
// fixed to Postgres (lib/pq), matching the Storage Gateway's own driver.
type dbConfig struct {
	DSN   string `json:"dsn"`
	Query string `json:"query"`
}

// DBConnector is the executor for connector.db. Input, if present, supplies
// positional query arguments under the "args" key.
func DBConnector(ctx context.Context, node domain.Node, input json.RawMessage, ec ExecContext) (Result, error) {
	var cfg dbConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return Result{}, Classify(domain.ErrorKindSystem, fmt.Errorf("db: invalid config: %w", err))
	}
	if ec.EmulationMode {
		mock, _ := json.Marshal([]map[string]any{{"emulated": true}})
		return Result{Output: mock}, nil
	}

	var params struct {
		Args []any `json:"args"`
	}
	_ = json.Unmarshal(input, &params)

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return Result{}, Classify(domain.ErrorKindConnection, fmt.Errorf("db: open: %w", err))
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, cfg.Query, params.Args...)
	if err != nil {
		return Result{}, Classify(domain.ErrorKindConnection, fmt.Errorf("db: query: %w", err))
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Result{}, Classify(domain.ErrorKindSystem, fmt.Errorf("db: columns: %w", err))
	}

	var results []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Result{}, Classify(domain.ErrorKindSystem, fmt.Errorf("db: scan row: %w", err))
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		results = append(results, row)
	}

	out, err := json.Marshal(results)
	if err != nil {
		return Result{}, Classify(domain.ErrorKindSystem, fmt.Errorf("db: marshal results: %w", err))
	}
	return Result{Output: out}, nil
}

// sftpConnectorConfig is connector.sftp's typed configuration. The
// node's SystemInstance names a vault secret of integration type
// sftp_ftp (host/port/username and either password or privateKey).
type sftpConnectorConfig struct {
	Path      string `json:"path"`
	Operation string `json:"operation"` // "get" | "put", default "get"
}

// SFTPConnector is the executor for connector.sftp: a one-shot fetch or
// put against a remote path, distinct from the poller subsystem's
// continuous directory watch. It shares dial/auth and transfer logic with
// the poller subsystem via poller.SFTPSource.
func SFTPConnector(ctx context.Context, node domain.Node, input json.RawMessage, ec ExecContext) (Result, error) {
	var cfg sftpConnectorConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return Result{}, Classify(domain.ErrorKindSystem, fmt.Errorf("sftp: invalid config: %w", err))
	}
	if ec.EmulationMode {
		mock, _ := json.Marshal(map[string]any{"emulated": true})
		return Result{Output: mock}, nil
	}
	if ec.Secrets == nil {
		return Result{}, Classify(domain.ErrorKindSystem, fmt.Errorf("sftp: no secret source wired into executor context"))
	}

	payload, _, err := ec.Secrets.ReadSecret(node.SystemInstance)
	if err != nil {
		return Result{}, Classify(domain.ErrorKindAuth, fmt.Errorf("sftp: read secret %q: %w", node.SystemInstance, err))
	}
	source := &poller.SFTPSource{
		Addr:        fmt.Sprintf("%v:%v", payload["host"], payload["port"]),
		User:        fmt.Sprintf("%v", payload["username"]),
		DialTimeout: 30 * time.Second,
	}
	if pk, ok := payload["privateKey"].(string); ok && pk != "" {
		source.PrivateKey = []byte(pk)
	} else if pw, ok := payload["password"].(string); ok {
		source.Password = pw
	}

	if cfg.Operation == "put" {
		if err := source.Put(ctx, cfg.Path, input); err != nil {
			return Result{}, Classify(domain.ErrorKindConnection, fmt.Errorf("sftp: put %q: %w", cfg.Path, err))
		}
		return Result{Output: input}, nil
	}
	content, err := source.Get(ctx, cfg.Path)
	if err != nil {
		return Result{}, Classify(domain.ErrorKindConnection, fmt.Errorf("sftp: get %q: %w", cfg.Path, err))
	}
	out, _ := json.Marshal(map[string]any{"path": cfg.Path, "content": content})
	return Result{Output: out}, nil
}

// blobConnectorConfig is connector.blob's typed configuration. The
// node's SystemInstance names a vault secret of integration type
// azure_blob or a generic custom payload carrying S3-compatible
// bucket/credential fields.
type blobConnectorConfig struct {
	Key       string `json:"key"`
	Operation string `json:"operation"` // "get" | "put", default "get"
}

// BlobConnector is the executor for connector.blob: a one-shot object
// fetch or put, analogous to SFTPConnector. It shares its S3-compatible
// client construction with the poller subsystem via poller.BlobSource,
// so AWS S3 and Azure Blob Storage (behind an S3-compatible gateway) are
// both reachable through the same credential shape.
func BlobConnector(ctx context.Context, node domain.Node, input json.RawMessage, ec ExecContext) (Result, error) {
	var cfg blobConnectorConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return Result{}, Classify(domain.ErrorKindSystem, fmt.Errorf("blob: invalid config: %w", err))
	}
	if ec.EmulationMode {
		mock, _ := json.Marshal(map[string]any{"emulated": true})
		return Result{Output: mock}, nil
	}
	if ec.Secrets == nil {
		return Result{}, Classify(domain.ErrorKindSystem, fmt.Errorf("blob: no secret source wired into executor context"))
	}

	payload, _, err := ec.Secrets.ReadSecret(node.SystemInstance)
	if err != nil {
		return Result{}, Classify(domain.ErrorKindAuth, fmt.Errorf("blob: read secret %q: %w", node.SystemInstance, err))
	}
	accessKeyID := stringField(payload, "accessKeyId", "accountName")
	secretKey := stringField(payload, "secretAccessKey", "accountKey")
	bucket := stringField(payload, "bucket", "container")
	region := stringField(payload, "region")
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")),
	)
	if err != nil {
		return Result{}, Classify(domain.ErrorKindSystem, fmt.Errorf("blob: load aws config: %w", err))
	}
	source := &poller.BlobSource{
		Client: s3.NewFromConfig(awsCfg),
		Bucket: bucket,
	}

	if cfg.Operation == "put" {
		if err := source.Put(ctx, cfg.Key, input); err != nil {
			return Result{}, Classify(domain.ErrorKindConnection, fmt.Errorf("blob: put %q: %w", cfg.Key, err))
		}
		return Result{Output: input}, nil
	}
	content, err := source.Get(ctx, cfg.Key)
	if err != nil {
		return Result{}, Classify(domain.ErrorKindConnection, fmt.Errorf("blob: get %q: %w", cfg.Key, err))
	}
	out, _ := json.Marshal(map[string]any{"key": cfg.Key, "content": content})
	return Result{Output: out}, nil
}

func stringField(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := payload[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// queueProducerConfig is connector.queue_producer's typed configuration.
type queueProducerConfig struct {
	Topic string `json:"topic"`
}

// QueueProducer is the executor for connector.queue_producer: it
// publishes the node's input onto the Queue Abstraction.
func QueueProducer(ctx context.Context, node domain.Node, input json.RawMessage, ec ExecContext) (Result, error) {
	var cfg queueProducerConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return Result{}, Classify(domain.ErrorKindSystem, fmt.Errorf("queue_producer: invalid config: %w", err))
	}
	if ec.EmulationMode {
		return Result{Output: input}, nil
	}
	if ec.Queue == nil {
		return Result{}, Classify(domain.ErrorKindSystem, fmt.Errorf("queue_producer: no queue wired into executor context"))
	}
	if err := ec.Queue.Enqueue(ctx, cfg.Topic, input); err != nil {
		return Result{}, Classify(domain.ErrorKindConnection, fmt.Errorf("queue_producer: enqueue: %w", err))
	}
	return Result{Output: input}, nil
}
