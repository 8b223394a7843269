package executor_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/flowengine/internal/domain"
	"github.com/ocx/flowengine/internal/executor"
	"github.com/ocx/flowengine/internal/joinstore"
)

func TestRegistryDuplicateRegistrationPanics(t *testing.T) {
	r := executor.NewRegistry()
	r.Register(domain.NodeTypeParseJSON, executor.ParseJSON)
	assert.Panics(t, func() {
		r.Register(domain.NodeTypeParseJSON, executor.ParseJSON)
	})
}

func TestRegistryLookupMissingReturnsFalse(t *testing.T) {
	r := executor.NewRegistry()
	_, ok := r.Lookup(domain.NodeTypeDB)
	assert.False(t, ok)
}

func TestNewDefaultRegistryHasAllNodeTypes(t *testing.T) {
	r := executor.NewDefaultRegistry(nil)
	for _, nt := range []domain.NodeType{
		domain.NodeTypeWebhookTrigger, domain.NodeTypeParseJSON, domain.NodeTypeParseCSV,
		domain.NodeTypeParseXML, domain.NodeTypeObjectMapper, domain.NodeTypeValidate,
		domain.NodeTypeConditional, domain.NodeTypeJoin, domain.NodeTypeHTTPSource,
		domain.NodeTypeHTTPDestination, domain.NodeTypeDB, domain.NodeTypeSFTP,
		domain.NodeTypeBlob, domain.NodeTypeQueueProducer, domain.NodeTypeEgressLog,
		domain.NodeTypeEgressEmail, domain.NodeTypeEgressWebhook,
	} {
		_, ok := r.Lookup(nt)
		assert.Truef(t, ok, "missing executor for node type %s", nt)
	}
}

func TestConditionalRoutesSuccessAndFailure(t *testing.T) {
	node := domain.Node{
		ID:     "n1",
		Type:   domain.NodeTypeConditional,
		Config: json.RawMessage(`{"predicate":"status == \"ok\""}`),
	}

	okResult, err := executor.Conditional(context.Background(), node, json.RawMessage(`{"status":"ok"}`), executor.ExecContext{})
	require.NoError(t, err)
	assert.Equal(t, "Success", okResult.RouteLabel)

	failResult, err := executor.Conditional(context.Background(), node, json.RawMessage(`{"status":"bad"}`), executor.ExecContext{})
	require.NoError(t, err)
	assert.Equal(t, "Failure", failResult.RouteLabel)
}

func TestConditionalInvalidPredicateErrors(t *testing.T) {
	node := domain.Node{Config: json.RawMessage(`{"predicate":"not a valid expr +++"}`)}
	_, err := executor.Conditional(context.Background(), node, json.RawMessage(`{}`), executor.ExecContext{})
	assert.Error(t, err)
}

type memJoinPersister struct{ states map[string]*domain.JoinState }

func (p *memJoinPersister) UpsertJoinState(js *domain.JoinState) error {
	if p.states == nil {
		p.states = make(map[string]*domain.JoinState)
	}
	p.states[js.FlowID+"/"+js.NodeID+"/"+js.CorrelationValue] = js
	return nil
}

func (p *memJoinPersister) ListJoinStates() ([]*domain.JoinState, error) {
	out := make([]*domain.JoinState, 0, len(p.states))
	for _, s := range p.states {
		out = append(out, s)
	}
	return out, nil
}

func TestJoinPendingThenMatched(t *testing.T) {
	store, err := joinstore.New(&memJoinPersister{}, time.Hour, time.Hour)
	require.NoError(t, err)

	ec := executor.ExecContext{FlowID: "flow-1", Joins: store}
	node := domain.Node{
		ID: "join-1",
		Config: json.RawMessage(`{"correlation_key_path":"order.id","side":"a"}`),
	}

	result, err := executor.Join(context.Background(), node, json.RawMessage(`{"order":{"id":"abc"}}`), ec)
	require.NoError(t, err)
	assert.True(t, result.Pending)

	node.Config = json.RawMessage(`{"correlation_key_path":"order.id","side":"b"}`)
	result, err = executor.Join(context.Background(), node, json.RawMessage(`{"order":{"id":"abc"}}`), ec)
	require.NoError(t, err)
	assert.False(t, result.Pending)
	assert.NotEmpty(t, result.Output)
}

func TestValidateSchemaStrictFailsOnFirstViolation(t *testing.T) {
	node := domain.Node{
		Config: json.RawMessage(`{"mode":"strict","required":["name"],"types":{"age":"number"}}`),
	}
	_, err := executor.ValidateSchema(context.Background(), node, json.RawMessage(`{"age":"not-a-number"}`), executor.ExecContext{})
	assert.Error(t, err)
}

func TestValidateSchemaLenientPassesValidDoc(t *testing.T) {
	node := domain.Node{
		Config: json.RawMessage(`{"mode":"lenient","required":["name"],"types":{"age":"number"}}`),
	}
	result, err := executor.ValidateSchema(context.Background(), node, json.RawMessage(`{"name":"a","age":5}`), executor.ExecContext{})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Output)
}

func TestParseCSVProducesRowObjects(t *testing.T) {
	node := domain.Node{
		Config: json.RawMessage(`{"header":true}`),
	}
	raw, err := json.Marshal("name,age\nalice,30\nbob,40\n")
	require.NoError(t, err)
	result, err := executor.ParseCSV(context.Background(), node, raw, executor.ExecContext{})
	require.NoError(t, err)

	var rows []map[string]string
	require.NoError(t, json.Unmarshal(result.Output, &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "alice", rows[0]["name"])
	assert.Equal(t, "40", rows[1]["age"])
}

func TestObjectMapperAppliesTransforms(t *testing.T) {
	node := domain.Node{
		Config: json.RawMessage(`{"fields":[{"source":"user.name","target":"fullName","transform":"upper"}]}`),
	}
	result, err := executor.ObjectMapper(context.Background(), node, json.RawMessage(`{"user":{"name":"alice"}}`), executor.ExecContext{})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(result.Output, &out))
	assert.Equal(t, "ALICE", out["fullName"])
}

func TestConnectorEmulationModeNeverDialsOut(t *testing.T) {
	ec := executor.ExecContext{EmulationMode: true}

	httpOut, err := executor.HTTPSource(nil)(context.Background(), domain.Node{Config: json.RawMessage(`{"url":"http://example.invalid"}`)}, nil, ec)
	require.NoError(t, err)
	assert.NotEmpty(t, httpOut.Output)

	dbOut, err := executor.DBConnector(context.Background(), domain.Node{Config: json.RawMessage(`{"dsn":"postgres://invalid","query":"select 1"}`)}, nil, ec)
	require.NoError(t, err)
	assert.NotEmpty(t, dbOut.Output)

	sftpOut, err := executor.SFTPConnector(context.Background(), domain.Node{Config: json.RawMessage(`{"path":"/x"}`)}, nil, ec)
	require.NoError(t, err)
	assert.NotEmpty(t, sftpOut.Output)

	blobOut, err := executor.BlobConnector(context.Background(), domain.Node{Config: json.RawMessage(`{"key":"x"}`)}, nil, ec)
	require.NoError(t, err)
	assert.NotEmpty(t, blobOut.Output)
}

func TestEgressLogIsTerminal(t *testing.T) {
	result, err := executor.EgressLog(context.Background(), domain.Node{}, json.RawMessage(`{"a":1}`), executor.ExecContext{})
	require.NoError(t, err)
	assert.True(t, result.NoPropagate)
}

func TestQueueProducerRequiresWiredQueue(t *testing.T) {
	node := domain.Node{Config: json.RawMessage(`{"topic":"events"}`)}
	_, err := executor.QueueProducer(context.Background(), node, json.RawMessage(`{}`), executor.ExecContext{})
	assert.Error(t, err)
}

type erroringDoer struct{ err error }

func (d erroringDoer) Do(req *http.Request) (*http.Response, error) { return nil, d.err }

func TestHTTPSourceClassifiesExpiredDeadlineAsTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	node := domain.Node{Config: json.RawMessage(`{"url":"http://example.invalid"}`)}
	_, err := executor.HTTPSource(erroringDoer{err: errors.New("dial tcp: i/o timeout")})(ctx, node, nil, executor.ExecContext{})
	require.Error(t, err)
	assert.Equal(t, domain.ErrorKindTimeout, executor.KindOf(err))
}

func TestHTTPSourceClassifiesOtherTransportFailuresAsConnection(t *testing.T) {
	node := domain.Node{Config: json.RawMessage(`{"url":"http://example.invalid"}`)}
	_, err := executor.HTTPSource(erroringDoer{err: errors.New("connection refused")})(context.Background(), node, nil, executor.ExecContext{})
	require.Error(t, err)
	assert.Equal(t, domain.ErrorKindConnection, executor.KindOf(err))
}

func TestHTTPDestinationClassifiesExpiredDeadlineAsTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	node := domain.Node{Config: json.RawMessage(`{"url":"http://example.invalid"}`)}
	_, err := executor.HTTPDestination(erroringDoer{err: errors.New("dial tcp: i/o timeout")})(ctx, node, json.RawMessage(`{}`), executor.ExecContext{})
	require.Error(t, err)
	assert.Equal(t, domain.ErrorKindTimeout, executor.KindOf(err))
}
